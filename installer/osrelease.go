package installer

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/go-errors/errors"
)

var osReleasePath = "/etc/os-release"

// OSVersion reads VERSION_ID from /etc/os-release.
func OSVersion() (string, error) {
	file, err := os.Open(osReleasePath)
	if err != nil {
		return "", errors.Errorf("could not read %v: %v", osReleasePath, err)
	}
	defer file.Close()

	return parseOSRelease(file)
}

func parseOSRelease(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "VERSION_ID=") {
			version := strings.TrimPrefix(line, "VERSION_ID=")
			return strings.Trim(version, "\"'"), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", errors.Errorf("could not scan os-release: %v", err)
	}

	return "", errors.New("no version information found")
}
