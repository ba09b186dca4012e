package tools

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var processStart = time.Now()

// StatusInput carries what the caller knows that the host does not.
type StatusInput struct {
	JailRoot   string
	AgentState string
	Backend    string
	Now        time.Time
}

// Status renders a Markdown summary of the host.
func Status(in StatusInput) string {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	var b strings.Builder
	b.WriteString("🟢 **System Status**\n\n")
	fmt.Fprintf(&b, "🖥️ Host: `%s` (%s/%s)\n", host, runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "⚙️ CPUs: %d", runtime.NumCPU())
	if load, ok := loadAverage(); ok {
		fmt.Fprintf(&b, " · load %s", load)
	}
	b.WriteString("\n")

	if total, avail, ok := memInfo(); ok {
		used := total - avail
		fmt.Fprintf(&b, "🧠 Memory: %s / %s (%.0f%%)\n",
			humanize.IBytes(used), humanize.IBytes(total), percent(used, total))
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(&b, "📦 Gateway heap: %s, %s goroutines\n",
		humanize.IBytes(ms.HeapAlloc), humanize.Comma(int64(runtime.NumGoroutine())))

	if in.JailRoot != "" {
		if total, free, ok := diskUsage(in.JailRoot); ok && total > 0 {
			used := total - free
			fmt.Fprintf(&b, "💾 Disk: %s free of %s (%.0f%% used)\n",
				humanize.IBytes(free), humanize.IBytes(total), percent(used, total))
		}
	}
	if up, ok := hostUptime(); ok {
		fmt.Fprintf(&b, "⏱️ Host up: %s\n", FormatDuration(up))
	}
	fmt.Fprintf(&b, "🐾 Gateway up: %s (since %s)\n", FormatDuration(in.Now.Sub(processStart)), humanize.Time(processStart))
	if in.AgentState != "" {
		fmt.Fprintf(&b, "🧠 Agent: %s\n", in.AgentState)
	}
	if in.Backend != "" {
		fmt.Fprintf(&b, "💬 LLM: %s\n", in.Backend)
	}
	return strings.TrimRight(b.String(), "\n")
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}

// FormatDuration renders d as "3d 4h", "1h 20m", "5m" or "42s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int(d / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

func loadAverage() (string, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "", false
	}
	f := strings.Fields(string(data))
	if len(f) < 3 {
		return "", false
	}
	return strings.Join(f[:3], " "), true
}

// memInfo reads MemTotal and MemAvailable from /proc/meminfo, in bytes.
func memInfo() (total, avail uint64, ok bool) {
	fh, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		v, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			continue
		}
		switch f[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemAvailable:":
			avail = v * 1024
		}
	}
	return total, avail, total > 0
}

func hostUptime() (time.Duration, bool) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, false
	}
	f := strings.Fields(string(data))
	if len(f) == 0 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
