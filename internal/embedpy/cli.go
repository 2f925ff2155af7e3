package embedpy

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	perr "embedpy/internal/errors"
)

// Main is the CLI entrypoint for cmd/embedpy.
func Main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := &cli{}
	root := c.rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			cPrintln(colWarn, "Interrupted")
		} else {
			cPrintf(colError, "%s failed: %v\n", commandName(root, os.Args[1:]), err)
		}
		os.Exit(perr.ExitCode(err))
	}
}

func commandName(root *cobra.Command, args []string) string {
	if cmd, _, err := root.Find(args); err == nil && cmd != root {
		return cmd.Name()
	}
	return root.Name()
}

// cli holds state shared by all commands.
type cli struct {
	configPath string
	cfg        *Config
	exec       *Executor
	logPath    string
	logFile    *os.File
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "embedpy",
		Short:         "Build isolated, relocatable embedded Python distributions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.configPath != "" {
				os.Setenv("EMBEDPY_CONFIG", c.configPath)
			}
			cfg, err := LoadHostConfig()
			if err != nil {
				return perr.Wrap(perr.CodeConfigInvalid, err, "load config")
			}
			c.cfg = cfg
			c.exec = NewExecutor(cmd.Context())
			return nil
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("embedpy %s (built %s)\n", version, buildDate))
	root.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "stream tool output to the terminal")
	root.PersistentFlags().BoolVar(&Debug, "debug", false, "print debug information")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "host config file (default "+ConfigFile+")")

	root.AddCommand(
		c.buildCommand(),
		c.acquireCommand(),
		c.relocateCommand(),
		c.compactCommand(),
		c.isolateCommand(),
		c.bootstrapCommand(),
		c.installCommand(),
		c.licensesCommand(),
		c.verifyCommand(),
		c.linkCommand(),
		c.packageCommand(),
		c.publishCommand(),
		c.versionCommand(),
	)
	return root
}

// openBuildLog sends tool output to <workdir>/log/build.log.
func (c *cli) openBuildLog() error {
	dir := filepath.Join(c.cfg.WorkDir, "log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	c.logPath = filepath.Join(dir, "build.log")
	f, err := os.Create(c.logPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.exec.Log = f
	return nil
}

// closeBuildLog compresses the log to build.log.xz. On failure the plain
// log is kept as well so it can be read directly.
func (c *cli) closeBuildLog(failed bool) {
	if c.logFile == nil {
		return
	}
	c.logFile.Close()
	c.exec.Log = nil
	if err := compressXZ(c.logPath, c.logPath+".xz"); err != nil {
		warnf("could not compress build log: %v", err)
		return
	}
	if failed {
		cPrintf(colNote, "Build log: %s\n", c.logPath)
		return
	}
	_ = os.Remove(c.logPath)
	debugf("build log: %s.xz\n", c.logPath)
}

func (c *cli) withBuildLog(fn func() error) error {
	if err := c.openBuildLog(); err != nil {
		return err
	}
	err := fn()
	c.closeBuildLog(err != nil)
	return err
}

func (c *cli) fetcher() *Fetcher {
	return NewFetcher(c.cfg.CacheDir, c.exec)
}

func (c *cli) pipeline() *Pipeline {
	return &Pipeline{Config: c.cfg, Runner: c.exec, Fetcher: c.fetcher(), Verify: true}
}

// distFlags locate an existing distribution for the single-stage commands.
type distFlags struct {
	version        string
	platform       string
	dir            string
	opensslVariant string
}

func (f *distFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.version, "python", "", "python version, e.g. 3.11.4")
	cmd.Flags().StringVar(&f.platform, "platform", string(HostPlatform()), "target platform: windows, linux or macos")
	cmd.Flags().StringVar(&f.dir, "dir", "embedded_python", "distribution root")
	_ = cmd.MarkFlagRequired("python")
}

// registerOpenSSL adds the OpenSSL lookup flag for commands that build.
func (f *distFlags) registerOpenSSL(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.opensslVariant, "openssl-variant", "", "lowercase or uppercase")
}

func (f *distFlags) open(create bool) (*RuntimeDistribution, error) {
	v, err := ParseVersion(f.version)
	if err != nil {
		return nil, err
	}
	p, err := ParsePlatform(f.platform)
	if err != nil {
		return nil, err
	}
	if create {
		return NewDistribution(f.dir, p, v)
	}
	return OpenDistribution(f.dir, p, v)
}

func (c *cli) strategy(d *RuntimeDistribution, opensslVariant string) PlatformStrategy {
	work := filepath.Join(c.cfg.WorkDir, d.Version.String()+"-"+string(d.Platform))
	return StrategyFor(d.Platform, StrategyDeps{
		Config:         c.cfg,
		Runner:         c.exec,
		Fetcher:        c.fetcher(),
		WorkDir:        work,
		OpenSSLVariant: opensslVariant,
	})
}

func (c *cli) buildCommand() *cobra.Command {
	var (
		r        Recipe
		out      string
		keepWork bool
		noVerify bool
		artifact string
	)
	cmd := &cobra.Command{
		Use:   "build [recipe.toml]",
		Short: "Build a complete isolated distribution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe := Recipe{}
			if len(args) == 1 {
				loaded, err := LoadRecipe(args[0])
				if err != nil {
					return err
				}
				recipe = loaded
			}
			overrideRecipe(cmd, &recipe, r)
			req, err := recipe.BuildRequest(out)
			if err != nil {
				return err
			}
			req.KeepWork = keepWork

			p := c.pipeline()
			p.Verify = !noVerify
			return c.withBuildLog(func() error {
				res, err := p.Build(cmd.Context(), req)
				if err != nil {
					return err
				}
				if artifact != "" {
					art, err := PackageDistribution(res.Distribution, artifact)
					if err != nil {
						return err
					}
					cPrintf(colInfo, "%s  %s\n", art.Checksum, art.Path)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&r.Version, "version", "", "python version")
	f.StringVar(&r.Platform, "platform", "", "target platform (default: host)")
	f.StringSliceVar(&r.Packages, "packages", nil, "exact name==version pins")
	f.StringVar(&r.RequirementsFile, "requirements", "", "requirements file with exact pins")
	f.StringVar(&r.ZipStdlib, "zip-stdlib", "", "no, stored or deflated (default stored)")
	f.StringVar(&r.OpenSSLVariant, "openssl-variant", "", "lowercase or uppercase")
	f.StringVar(&out, "out", "embedded_python", "output directory")
	f.BoolVar(&keepWork, "keep-work", false, "keep the bootstrap environment and build tree")
	f.BoolVar(&noVerify, "no-verify", false, "skip the final relocation and search-path checks")
	f.StringVar(&artifact, "package", "", "also pack the result into this directory")
	return cmd
}

// overrideRecipe applies explicitly set flags on top of a loaded recipe.
func overrideRecipe(cmd *cobra.Command, dst *Recipe, flags Recipe) {
	set := cmd.Flags().Changed
	if set("version") {
		dst.Version = flags.Version
	}
	if set("platform") {
		dst.Platform = flags.Platform
	}
	if set("packages") {
		dst.Packages = flags.Packages
	}
	if set("requirements") {
		dst.RequirementsFile = flags.RequirementsFile
	}
	if set("zip-stdlib") {
		dst.ZipStdlib = flags.ZipStdlib
	}
	if set("openssl-variant") {
		dst.OpenSSLVariant = flags.OpenSSLVariant
	}
}

func (c *cli) acquireCommand() *cobra.Command {
	var df distFlags
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Download (and on source platforms, build) the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOpenSSLVariant(df.opensslVariant); err != nil {
				return err
			}
			d, err := df.open(true)
			if err != nil {
				return err
			}
			if err := ensureEmptyDir(d.Root); err != nil {
				return err
			}
			return c.withBuildLog(func() error {
				return c.strategy(d, df.opensslVariant).Acquire(cmd.Context(), d)
			})
		},
	}
	df.register(cmd)
	df.registerOpenSSL(cmd)
	return cmd
}

func (c *cli) relocateCommand() *cobra.Command {
	var df distFlags
	cmd := &cobra.Command{
		Use:   "relocate",
		Short: "Remove absolute build paths from the runtime's binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			return c.strategy(d, "").Relocate(cmd.Context(), d)
		},
	}
	df.register(cmd)
	return cmd
}

func (c *cli) compactCommand() *cobra.Command {
	var (
		df   distFlags
		mode string
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Byte-compile and zip the standard library",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			if d.Isolated() {
				return perr.New(perr.CodeCompactionFailed, "%s is already isolated", d.Root)
			}
			m, err := ParseZipMode(mode)
			if err != nil {
				return err
			}
			return c.withBuildLog(func() error {
				return c.strategy(d, "").CompactStdlib(cmd.Context(), d, m)
			})
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&mode, "zip-stdlib", "stored", "no, stored or deflated")
	return cmd
}

func (c *cli) isolateCommand() *cobra.Command {
	var df distFlags
	cmd := &cobra.Command{
		Use:   "isolate",
		Short: "Write the isolation manifest beside the real executable",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			return c.strategy(d, "").Isolate(cmd.Context(), d)
		},
	}
	df.register(cmd)
	return cmd
}

func (c *cli) bootstrapCommand() *cobra.Command {
	var (
		df  distFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Clone a non-isolated runtime into a packaging environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			installer := func(python string) PackageInstaller { return NewPip(python, c.exec) }
			return c.withBuildLog(func() error {
				env, err := BuildBootstrap(cmd.Context(), d, c.strategy(d, ""), installer, DefaultTools, out)
				if err == nil {
					cPrintf(colInfo, "bootstrap interpreter: %s\n", env.Python)
				}
				return err
			})
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&out, "out", "bootstrap", "bootstrap environment directory")
	return cmd
}

// requirementFlags are shared by install and licenses.
type requirementFlags struct {
	bootstrap    string
	packages     []string
	requirements string
	setuptools   string
}

func (f *requirementFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bootstrap, "bootstrap", "bootstrap", "bootstrap environment directory")
	cmd.Flags().StringSliceVar(&f.packages, "packages", nil, "exact name==version pins")
	cmd.Flags().StringVar(&f.requirements, "requirements", "", "requirements file with exact pins")
	cmd.Flags().StringVar(&f.setuptools, "setuptools", DefaultTools.Setuptools, "setuptools version installed alongside")
}

func (f *requirementFlags) resolve(d *RuntimeDistribution) (*BootstrapEnvironment, RequirementList, error) {
	recipe := Recipe{Packages: f.packages, RequirementsFile: f.requirements}
	reqs, err := recipe.Requirements()
	if err != nil {
		return nil, reqs, err
	}
	if reqs, err = reqs.WithExtra("setuptools==" + f.setuptools); err != nil {
		return nil, reqs, err
	}
	env, err := OpenBootstrap(f.bootstrap, d.Platform, d.Version)
	return env, reqs, err
}

func (c *cli) installCommand() *cobra.Command {
	var (
		df distFlags
		rf requirementFlags
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install pinned packages into an isolated distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			env, reqs, err := rf.resolve(d)
			if err != nil {
				return err
			}
			reqFile := filepath.Join(env.Root, "requirements.txt")
			if err := reqs.WriteFile(reqFile); err != nil {
				return err
			}
			return NewPip(env.Python, c.exec).Install(cmd.Context(), reqFile, d.Root)
		},
	}
	df.register(cmd)
	rf.register(cmd)
	return cmd
}

func (c *cli) licensesCommand() *cobra.Command {
	var (
		df distFlags
		rf requirementFlags
	)
	cmd := &cobra.Command{
		Use:   "licenses",
		Short: "Collect license texts of the installed packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			env, reqs, err := rf.resolve(d)
			if err != nil {
				return err
			}
			m, err := NewPipLicenses(env.Python, c.exec).Harvest(cmd.Context(), d.RealExecutable(), reqs, filepath.Join(d.Root, "licenses"))
			if err != nil {
				return err
			}
			for _, e := range m.Entries {
				fmt.Printf("%-30s %-12s %s\n", e.Name, e.Version, e.License)
			}
			return nil
		},
	}
	df.register(cmd)
	rf.register(cmd)
	return cmd
}

func (c *cli) verifyCommand() *cobra.Command {
	var (
		df     distFlags
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check relocatability, isolation and the checksum manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			if prefix != "" {
				d.BuildPrefix = prefix
			}
			if err := VerifyDistribution(cmd.Context(), c.exec, d); err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(d.Root, ManifestName)); err == nil {
				bad, err := verifyManifest(d.Root)
				if err != nil {
					return err
				}
				if len(bad) > 0 {
					return fmt.Errorf("%d files differ from %s: %v", len(bad), ManifestName, bad)
				}
			}
			stepf("%s is isolated and relocatable", d.Root)
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&prefix, "build-prefix", "", "original build prefix to scan for (default: --dir)")
	return cmd
}

func (c *cli) linkCommand() *cobra.Command {
	var binDir string
	cmd := &cobra.Command{
		Use:   "link <distribution> <destination>",
		Short: "Point a project directory at a distribution and copy its runtime libraries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return LinkDistribution(cmd.Context(), c.exec, args[0], args[1], binDir)
		},
	}
	cmd.Flags().StringVar(&binDir, "bin", "", "directory receiving the runtime libraries")
	return cmd
}

func (c *cli) packageCommand() *cobra.Command {
	var (
		df  distFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Pack an isolated distribution into a reproducible .tar.zst",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.open(false)
			if err != nil {
				return err
			}
			art, err := PackageDistribution(d, out)
			if err != nil {
				return err
			}
			cPrintf(colInfo, "%s  %s\n", art.Checksum, art.Path)
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&out, "out", "dist", "artifact directory")
	return cmd
}

func (c *cli) publishCommand() *cobra.Command {
	var (
		prefix string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "publish [artifact.tar.zst]",
		Short: "Upload a packed artifact and its checksum to the configured bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := NewArtifactStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			if list {
				objs, err := store.ListObjects(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				for _, o := range objs {
					fmt.Printf("%10d  %s\n", o.Size, o.Key)
				}
				return nil
			}
			if len(args) != 1 {
				return perr.New(perr.CodeConfigInvalid, "publish needs an artifact path")
			}
			sum, err := ComputeChecksum(args[0])
			if err != nil {
				return err
			}
			art := &Artifact{Path: args[0], ChecksumPath: args[0] + ".b3", Checksum: sum}
			if _, err := os.Stat(art.ChecksumPath); err != nil {
				if err := os.WriteFile(art.ChecksumPath, []byte(sum+"  "+filepath.Base(art.Path)+"\n"), 0o644); err != nil {
					return err
				}
			}
			_, err = store.Publish(cmd.Context(), art, prefix)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix inside the bucket")
	cmd.Flags().BoolVar(&list, "list", false, "list published objects instead of uploading")
	return cmd
}

func (c *cli) versionCommand() *cobra.Command {
	var python string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information, or the build policy for a python release",
		RunE: func(cmd *cobra.Command, args []string) error {
			if python == "" {
				colSuccess.Printf("embedpy %s (%s, built %s)\n", version, arch, buildDate)
				return nil
			}
			v, err := ParseVersion(python)
			if err != nil {
				return err
			}
			p, err := PolicyFor(v)
			if err != nil {
				return err
			}
			fmt.Printf("python %s: landmark=%t isolation-flags=%t\n", v, p.NeedsLandmark, p.EnforcesIsolationFlags)
			deps := p.BuildDependencies()
			names := make([]string, 0, len(deps))
			for n := range deps {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("  %-10s %s\n", n, deps[n])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&python, "python", "", "show the policy applied to this python version")
	return cmd
}
