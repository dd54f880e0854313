package remote

import (
	"fmt"
	"regexp"
	"strings"
)

// Platform describes how to talk to one family of operating systems:
// probe commands, path style, process inspection and package install.
// The concrete platform tag (e.g. debian-11) is derived per node.
type Platform struct {
	// Family is "linux" or "windows".
	Family string
	// Separator is the path separator used on the remote host.
	Separator string
}

var (
	linuxPlatform   = Platform{Family: "linux", Separator: "/"}
	windowsPlatform = Platform{Family: "windows", Separator: `\`}
)

// Join builds a remote path with the platform's separator. An absolute
// configured path is used verbatim; a relative one stays relative and
// resolves under the remote user's home, which is where both the shell
// and SFTP sessions start.
func (p Platform) Join(elems ...string) string {
	cleaned := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.TrimRight(e, "/\\")
		if e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return strings.Join(cleaned, p.Separator)
}

// Translate rewrites a configured (slash-separated) remote path into
// the platform's separator style.
func (p Platform) Translate(path string) string {
	if p.Separator == "/" {
		return path
	}
	return strings.ReplaceAll(path, "/", p.Separator)
}

// Quote makes a string safe for the remote shell.
func (p Platform) Quote(s string) string {
	if p.Family == "windows" {
		// PowerShell single-quote escaping
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CPUCountCmd returns the command probing logical core count.
func (p Platform) CPUCountCmd() string {
	if p.Family == "windows" {
		return `powershell -Command "(Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors"`
	}
	return "getconf NPROCESSORS_ONLN 2> /dev/null || getconf _NPROCESSORS_ONLN"
}

// PgrepCmd returns the command matching running processes by name.
// Exit code zero means at least one match.
func (p Platform) PgrepCmd(pname string) string {
	if p.Family == "windows" {
		return fmt.Sprintf(
			`powershell -Command "if (Get-Process -Name %s -ErrorAction SilentlyContinue) { exit 0 } else { exit 1 }"`,
			p.Quote(strings.TrimSuffix(pname, ".exe")))
	}
	return "pgrep -f " + p.Quote(pname)
}

// SpawnCmd wraps a command so the started process survives the SSH
// channel close.
func (p Platform) SpawnCmd(command, cwd string) string {
	if p.Family == "windows" {
		return fmt.Sprintf(
			`powershell -Command "Start-Process -NoNewWindow -WorkingDirectory %s cmd -ArgumentList '/c %s'"`,
			p.Quote(cwd), command)
	}
	return fmt.Sprintf("cd %s && nohup %s > /dev/null 2>&1 &", p.Quote(cwd), command)
}

// MkdirCmd returns the command creating a directory with parents.
func (p Platform) MkdirCmd(path string) string {
	if p.Family == "windows" {
		return fmt.Sprintf(
			`powershell -Command "New-Item -ItemType Directory -Force -Path %s | Out-Null"`,
			p.Quote(path))
	}
	return "mkdir -p " + p.Quote(path)
}

// InstallPackagesCmd returns the package-manager invocation for the
// probed platform tag. Debian installs serialize behind the dpkg lock
// so concurrent deploys on one node do not trip each other.
func (p Platform) InstallPackagesCmd(platform string, packages []string, asRoot bool) (string, error) {
	if len(packages) == 0 {
		return "", nil
	}
	switch {
	case strings.HasPrefix(platform, "debian") || strings.HasPrefix(platform, "ubuntu"):
		sudo := ""
		if !asRoot {
			sudo = "sudo "
		}
		return fmt.Sprintf(
			"%sapt-get -o DPkg::Lock::Timeout=600 -y install %s",
			sudo, strings.Join(packages, " ")), nil
	case p.Family == "windows":
		return "", fmt.Errorf("package install is not supported on %s", platform)
	default:
		return "", fmt.Errorf("no package manager known for platform %s", platform)
	}
}

var osReleaseRe = regexp.MustCompile(`(?m)^(ID|VERSION_ID)="?([^"\n]*)"?$`)

// parseOSRelease derives the ordered platform tag list from
// /etc/os-release contents: most specific first, e.g.
// [debian-11 debian linux].
func parseOSRelease(contents string) []string {
	var id, version string
	for _, m := range osReleaseRe.FindAllStringSubmatch(contents, -1) {
		switch m[1] {
		case "ID":
			id = m[2]
		case "VERSION_ID":
			version = m[2]
		}
	}
	var tags []string
	if id != "" && version != "" {
		tags = append(tags, id+"-"+version)
	}
	if id != "" {
		tags = append(tags, id)
	}
	return append(tags, "linux")
}

// windowsTags derives the platform tag list from the reported major
// version, e.g. [windows-11 windows].
func windowsTags(major string) []string {
	major = strings.TrimSpace(major)
	if major == "" {
		return []string{"windows"}
	}
	return []string{"windows-" + major, "windows"}
}
