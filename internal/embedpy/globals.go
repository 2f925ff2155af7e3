package embedpy

import (
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	Verbose    bool
	ConfigFile = "/etc/embedpy.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// Default distribution origins. All can be overridden through the host config.
const (
	defaultPythonFTP = "https://www.python.org/ftp/python"
	defaultSourceURL = "https://github.com/python/cpython/archive"
	defaultGetPipURL = "https://bootstrap.pypa.io/get-pip.py"
)
