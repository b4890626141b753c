package main

import "testing"

func TestVersion_NotEmpty(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should not be empty")
	}
}

func TestPrintUsage_DoesNotPanic(t *testing.T) {
	printUsage()
}
