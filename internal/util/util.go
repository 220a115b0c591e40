package util

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gookit/color"
)

var debugEnabled atomic.Bool

// SetLogLevel enables debug output when level is "debug".
func SetLogLevel(level string) {
	debugEnabled.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		LogWarn("Error checking directory existence: %v", err)
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func FormatUptime(d time.Duration) string {
	seconds := int(d.Seconds()) % 60
	minutes := int(d.Minutes()) % 60
	hours := int(d.Hours())
	switch {
	case hours > 0:
		return fmt.Sprintf("%d hour%s, %d minute%s, %d second%s",
			hours, Plural(hours),
			minutes, Plural(minutes),
			seconds, Plural(seconds))
	case minutes > 0:
		return fmt.Sprintf("%d minute%s, %d second%s",
			minutes, Plural(minutes),
			seconds, Plural(seconds))
	default:
		return fmt.Sprintf("%d second%s", seconds, Plural(seconds))
	}
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func LogInfo(format string, v ...any) {
	log.Printf("["+color.Green.Sprint("INFO")+"] "+format, v...)
}

func LogWarn(format string, v ...any) {
	log.Printf("["+color.Yellow.Sprint("WARN")+"] "+format, v...)
}

func LogError(format string, v ...any) {
	log.Printf("["+color.Red.Sprint("ERROR")+"] "+format, v...)
}

func LogDebug(format string, v ...any) {
	if !debugEnabled.Load() {
		return
	}
	log.Printf("["+color.Blue.Sprint("DEBUG")+"] "+format, v...)
}

func LogFatal(format string, v ...any) {
	log.Fatalf("["+color.Red.Sprint("FATAL")+"] "+format, v...)
}
