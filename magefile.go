//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	buildDir   = "build"
	binaryName = "pulse"
)

// ===============================
// Mage Aliases
// ===============================

var Aliases = map[string]interface{}{
	"clean":               Clean.Build,
	"clean-all":           Clean.All,
	"clean-go-cache":      Clean.GoCache,
	"deps":                Deps.Go,
	"lint":                QC.Lint,
	"vet":                 QC.Vet,
	"go-mod-update-check": QC.GoModUpdateCheck,
	"go-mod-update":       QC.GoModUpdate,
	"test":                Test.All,
	"test-cov":            Test.Coverage,
}

// ===============================
// Ensure Dependencies
// ===============================

func isStaticcheckInstalled() error {
	if _, err := exec.LookPath("staticcheck"); err != nil {
		return fmt.Errorf("staticcheck is not installed.")
	}
	return nil
}

// ===============================
// Dependency Management Tasks
// ===============================

type Deps mg.Namespace

// Installs Go dependencies
func (Deps) Go() error {
	fmt.Println("Installing go dependencies...")
	return sh.RunV("go", "mod", "tidy")
}

// ===============================
// Cleanup Tasks
// ===============================

type Clean mg.Namespace

// Cleans all build artifacts and caches
func (Clean) All() {
	mg.SerialDeps(Clean.Build, Clean.GoCache)
}

// Cleans build artifacts
func (Clean) Build() error {
	fmt.Println("\n🧹 Cleaning build directory...")
	os.RemoveAll(buildDir)
	return nil
}

// Cleans the Go cache
func (Clean) GoCache() error {
	goCacheDir, _ := exec.Command("go", "env", "GOCACHE").Output()
	fmt.Println("\n🧹 Cleaning Go cache...")
	os.RemoveAll(string(goCacheDir))
	return nil
}

// ===============================
// Build Tasks
// ===============================

// Builds the service binary into the build directory
func Build() error {
	fmt.Println("\n🔨 Building " + binaryName + "...")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	output := filepath.Join(buildDir, binaryName)
	if runtime.GOOS == "windows" {
		output += ".exe"
	}
	return sh.RunV("go", "build", "-o", output, ".")
}

// ===============================
// Quality Checks
// ===============================

type QC mg.Namespace

// Checks for Go module updates
func (QC) GoModUpdateCheck() error {
	fmt.Println("\n🔎 Checking for outdated Go modules...")
	return sh.RunV("go", "list", "-u", "-m", "-f", `{{if and (not .Indirect) .Update}}{{.Path}} {{.Version}} → {{.Update.Version}}{{end}}`, "all")
}

// Updates Go modules
func (QC) GoModUpdate() error {
	fmt.Println("\n🔄 Updating outdated Go modules...")
	if err := sh.RunV("go", "get", "-u"); err != nil {
		return err
	}
	return sh.RunV("go", "mod", "tidy")
}

// Runs go vet and staticcheck
func (QC) Vet() error {
	if err := isStaticcheckInstalled(); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running go vet...")
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running staticcheck...")
	return sh.RunV("staticcheck", "./...")
}

// Runs staticcheck only
func (QC) Lint() error {
	if err := isStaticcheckInstalled(); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running staticcheck...")
	return sh.RunV("staticcheck", "./...")
}

// ===============================
// Test Tasks
// ===============================

type Test mg.Namespace

// Runs all tests
func (Test) All() error {
	fmt.Println("\n🧪 Running tests...")
	return sh.RunV("go", "test", "-race", "./...")
}

// Runs all tests with coverage
func (Test) Coverage() error {
	fmt.Println("\n🧪 Running tests with coverage...")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	profile := filepath.Join(buildDir, "coverage.out")
	if err := sh.RunV("go", "test", "-race", "-coverprofile="+profile, "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+profile)
}
