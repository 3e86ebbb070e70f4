/*
	Copyright 2025 tougelog authors
*/

package main

import "github.com/midnightgrind/tougelog-service-manager-go/cmd"

func main() {
	cmd.Execute()
}
