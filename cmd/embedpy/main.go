package main

import "embedpy/internal/embedpy"

func main() {
	embedpy.Main()
}
