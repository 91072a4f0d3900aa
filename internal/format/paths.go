package format

import (
	"os"
	"path/filepath"
	"runtime"
)

// defaultSearchPaths returns the conventional install locations for a format
// on the running platform.
func defaultSearchPaths(name string) []string {
	home, _ := os.UserHomeDir()
	inHome := func(rel string) []string {
		if home == "" {
			return nil
		}
		return []string{filepath.Join(home, rel)}
	}

	switch runtime.GOOS {
	case "darwin":
		switch name {
		case AudioUnit:
			return append([]string{"/Library/Audio/Plug-Ins/Components"}, inHome("Library/Audio/Plug-Ins/Components")...)
		case VST3:
			return append([]string{"/Library/Audio/Plug-Ins/VST3"}, inHome("Library/Audio/Plug-Ins/VST3")...)
		case VST:
			return append([]string{"/Library/Audio/Plug-Ins/VST"}, inHome("Library/Audio/Plug-Ins/VST")...)
		}
	case "windows":
		common := os.Getenv("CommonProgramFiles")
		if common == "" {
			common = `C:\Program Files\Common Files`
		}
		programs := os.Getenv("ProgramFiles")
		if programs == "" {
			programs = `C:\Program Files`
		}
		switch name {
		case VST3:
			return []string{filepath.Join(common, "VST3")}
		case VST:
			return []string{
				filepath.Join(programs, "VSTPlugins"),
				filepath.Join(programs, "Steinberg", "VSTPlugins"),
			}
		}
	default:
		switch name {
		case VST3:
			return append([]string{"/usr/lib/vst3", "/usr/local/lib/vst3"}, inHome(".vst3")...)
		case VST:
			return append([]string{"/usr/lib/vst", "/usr/local/lib/vst"}, inHome(".vst")...)
		}
	}
	return nil
}

// vstExtensions is the VST2 plugin suffix per platform.
func vstExtensions() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{".vst"}
	case "windows":
		return []string{".dll"}
	default:
		return []string{".so"}
	}
}
