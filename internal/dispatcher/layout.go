package dispatcher

import (
	"strings"

	"github.com/kebairia/rbackup/internal/catalog"
)

// Data-set aliases operators can pass instead of absolute paths.
const (
	AliasUser        = "user"
	AliasConfig      = "config"
	AliasApplication = "application"
	AliasSystem      = "system"
	AliasLog         = "log"
)

// Aliases lists every data-set alias.
var Aliases = []string{AliasUser, AliasConfig, AliasApplication, AliasSystem, AliasLog}

var layouts = map[catalog.OSType]map[string]string{
	catalog.OSUnix: {
		AliasUser:        "/home",
		AliasConfig:      "/etc",
		AliasApplication: "/usr",
		AliasSystem:      "/",
		AliasLog:         "/var/log",
	},
	catalog.OSMacOS: {
		AliasUser:        "/Users",
		AliasConfig:      "/private/etc",
		AliasApplication: "/Applications",
		AliasSystem:      "/",
		AliasLog:         "/private/var/log",
	},
	catalog.OSWindows: {
		AliasUser:        "/cygdrive/c/Users",
		AliasConfig:      "/cygdrive/c/ProgramData",
		AliasApplication: "/cygdrive/c/Program Files",
		AliasSystem:      "/cygdrive/c",
		AliasLog:         "/cygdrive/c/Windows/System32/winevt",
	},
}

// Folder returns the folder an alias stands for on os.
func Folder(os catalog.OSType, alias string) (string, bool) {
	folder, ok := layouts[os][strings.ToLower(alias)]
	return folder, ok
}

// IsAlias reports whether name is a data-set alias rather than a custom path.
func IsAlias(name string) bool {
	_, ok := layouts[catalog.OSUnix][strings.ToLower(name)]
	return ok
}

// AliasFor returns the alias whose folder on os ends in the base name dir,
// which is how a top-level folder of a backup maps back onto a data set.
func AliasFor(os catalog.OSType, dir string) (string, bool) {
	dir = strings.TrimRight(dir, "/")
	for _, alias := range Aliases {
		if alias == AliasSystem {
			continue
		}
		folder := layouts[os][alias]
		if folder == dir || lastElem(folder) == dir {
			return alias, true
		}
	}
	return "", false
}

// SourcePaths translates data sets into the paths to copy from a host
// running os. The system alias covers everything, so it replaces the rest.
func SourcePaths(os catalog.OSType, dataSets []string) []string {
	for _, ds := range dataSets {
		if strings.EqualFold(ds, AliasSystem) {
			folder, _ := Folder(os, AliasSystem)
			return []string{folder}
		}
	}
	paths := make([]string, 0, len(dataSets))
	for _, ds := range dataSets {
		if folder, ok := Folder(os, ds); ok {
			paths = append(paths, folder)
			continue
		}
		paths = append(paths, ds)
	}
	return paths
}

func lastElem(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
