package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultBuildDir is the CMake build tree of the matrix-product project,
// relative to the working directory.
const DefaultBuildDir = "build"

// ResolveExecutable returns the path CMake places the matrix-product
// executable at inside buildDir.
func ResolveExecutable(buildDir string) string {
	return filepath.Join(buildDir, "src", "top.matrix_product")
}

// Build runs "cmake --build" on buildDir and returns the resolved
// executable path.
func Build(
	ctx context.Context,
	logger *slog.Logger,
	buildDir string,
) (string, error) {
	binPath := ResolveExecutable(buildDir)

	logger.InfoContext(ctx, "building executable",
		slog.String("build_dir", buildDir),
	)

	cmd := exec.CommandContext(ctx, "cmake", "--build", buildDir)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cmake --build %s: %w", buildDir, err)
	}

	if _, err := os.Stat(binPath); err != nil {
		return "", fmt.Errorf(
			"build %s: executable not found at %s", buildDir, binPath,
		)
	}

	logger.InfoContext(ctx, "executable built",
		slog.String("executable", binPath),
	)

	return binPath, nil
}
