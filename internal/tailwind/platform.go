package tailwind

import "runtime"

// assetName is the release asset of the standalone binary for goos/goarch.
func assetName(goos, goarch string) string {
	switch goos {
	case "darwin":
		if goarch == "arm64" {
			return "tailwindcss-macos-arm64"
		}
		return "tailwindcss-macos-x64"
	case "linux":
		if goarch == "arm64" {
			return "tailwindcss-linux-arm64"
		}
		return "tailwindcss-linux-x64"
	case "windows":
		return "tailwindcss-windows-x64.exe"
	}
	return "tailwindcss-" + goos + "-" + goarch
}

func binaryName() string {
	return assetName(runtime.GOOS, runtime.GOARCH)
}

// platformLabel names goos/goarch for progress messages.
func platformLabel(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "arm64":
		arch = "ARM64"
	case "amd64":
		arch = "x64"
	}
	switch goos {
	case "darwin":
		return "macOS " + arch
	case "linux":
		return "Linux " + arch
	case "windows":
		return "Windows " + arch
	}
	return goos + " " + arch
}

// PlatformName describes the platform the binary is downloaded for.
func PlatformName() string {
	return platformLabel(runtime.GOOS, runtime.GOARCH)
}
