package main

// main is unused: the host drives the plugin through its exports.
func main() {}
