// Copyright 2024 The Clusterfabric Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version tags built binaries with version metadata. The
// variables are meant to be overridden at link time:
//
//	-ldflags "-X=github.com/clusterfabric/consres/pkg/version.Version=<version> \
//	          -X=github.com/clusterfabric/consres/pkg/version.Build=<build-id>"
package version

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// Version is the version as given by 'git describe'.
	Version = "unknown"
	// Build is the SHA1 of the tree the binary was built from.
	Build = "unknown"

	printVersion = flag.Bool("version", false, "Print version information and exit.")
)

// Print prints version information about this binary.
func Print() {
	fmt.Printf("%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Printf("  - version: %s\n", Version)
	fmt.Printf("  - build:   %s\n", Build)
}

// PrintAndExitIfRequested honors the --version flag after flag parsing.
func PrintAndExitIfRequested() {
	if *printVersion {
		Print()
		os.Exit(0)
	}
}
