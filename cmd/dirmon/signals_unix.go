//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// toggleSignal suspends a running walk and resumes a suspended one.
var toggleSignal os.Signal = unix.SIGUSR1
