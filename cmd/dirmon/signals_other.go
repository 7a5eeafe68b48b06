//go:build !unix

package main

import "os"

// toggleSignal is unavailable on this platform.
var toggleSignal os.Signal
