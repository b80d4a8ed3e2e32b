//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/sh"
)

const (
	binaryDir = "bin"
	goFlags   = "-v"
	ldFlags   = "-s -w"
)

// All builds and tests everything.
func All() error {
	if err := Build(); err != nil {
		return err
	}
	return Test()
}

// ============================================================================
// Build targets
// ============================================================================

// Build builds the gateway binary.
func Build() error {
	fmt.Println("Building gateway...")
	if err := os.MkdirAll(binaryDir, 0755); err != nil {
		return err
	}
	return sh.Run("go", "build", goFlags, "-ldflags", ldFlags, "-o", filepath.Join(binaryDir, "gateway"), "./cmd/gateway")
}

// Run runs the gateway locally against ./configs/gateway.yaml.
func Run() error {
	return sh.Run("go", "run", "./cmd/gateway")
}

// ============================================================================
// Testing
// ============================================================================

// Test runs all tests.
func Test() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "./...")
}

// TestUnit runs unit tests only.
func TestUnit() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "-short", "./...")
}

// TestCoverage generates test coverage report.
func TestCoverage() error {
	if err := sh.Run("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	if err := sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); err != nil {
		return err
	}
	fmt.Println("Coverage report generated: coverage.html")
	return nil
}

// Bench runs benchmarks.
func Bench() error {
	return sh.Run("go", "test", "-bench=.", "-benchmem", "./...")
}

// ============================================================================
// Code quality
// ============================================================================

// Lint runs the linter.
func Lint() error {
	return sh.Run("golangci-lint", "run", "./...")
}

// Fmt formats code.
func Fmt() error {
	if err := sh.Run("go", "fmt", "./..."); err != nil {
		return err
	}
	return sh.Run("gofumpt", "-l", "-w", ".")
}

// Vet runs go vet.
func Vet() error {
	return sh.Run("go", "vet", "./...")
}

// Tidy tidies and verifies go modules.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "verify")
}

// ============================================================================
// Docker
// ============================================================================

// DockerBuild builds the gateway image.
func DockerBuild() error {
	return sh.Run("docker", "compose", "build")
}

// DockerUp starts the gateway and its dependencies.
func DockerUp() error {
	return sh.Run("docker", "compose", "up", "-d")
}

// DockerDown stops the compose stack.
func DockerDown() error {
	return sh.Run("docker", "compose", "down")
}

// DockerLogs tails compose logs.
func DockerLogs() error {
	return sh.Run("docker", "compose", "logs", "-f")
}

// ============================================================================
// Security
// ============================================================================

// SecurityScan runs security scanner.
func SecurityScan() error {
	return sh.Run("gosec", "./...")
}

// ============================================================================
// Cleanup
// ============================================================================

// Clean cleans build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	_ = os.Remove("coverage.out")
	_ = os.Remove("coverage.html")
	return sh.Run("go", "clean", "-cache")
}

// ============================================================================
// Installation
// ============================================================================

// InstallTools installs development tools.
func InstallTools() error {
	fmt.Println("Installing development tools...")
	tools := []string{
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"mvdan.cc/gofumpt@latest",
		"github.com/securego/gosec/v2/cmd/gosec@latest",
	}

	for _, tool := range tools {
		if err := sh.Run("go", "install", tool); err != nil {
			return err
		}
	}
	return nil
}

// Deps downloads dependencies.
func Deps() error {
	return sh.Run("go", "mod", "download")
}
