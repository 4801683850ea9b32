// Command vlrucache is a thin CLI wrapper around the cache/disk package: it
// wires flag parsing, logging, and file-descriptor headroom, and otherwise
// delegates every cache semantic to disk.Cache.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mehaus/vlrucache/cache"
	"github.com/mehaus/vlrucache/cache/disk"
)

var (
	dirFlag        = pflag.String("dir", "", "Directory path where to store the cache contents. Required.")
	valueCountFlag = pflag.Int("value-count", 1, "Number of value slots per entry.")
	maxSizeFlag    = pflag.Int64("max-size-bytes", 1<<30, "Maximum total cache size, in bytes.")
	logFormatFlag  = pflag.String("log-format", "text", "Log output format: text or json.")
	statsFileFlag  = pflag.String("stats-file", "", "Path serve-stats writes size/len to, atomically, as JSON.")
	intervalFlag   = pflag.Duration("interval", 5*time.Second, "serve-stats refresh interval.")
)

// logrusLogger adapts a *logrus.Logger to the cache package's minimal
// Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

func (a logrusLogger) Printf(format string, v ...interface{}) {
	a.l.Infof(format, v...)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <get|put|rm|ls|gc|serve-stats> [flags] [args]\n", os.Args[0])
	pflag.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	pflag.CommandLine.Parse(os.Args[2:])

	logger := logrus.New()
	if *logFormatFlag == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrusLogger{l: logger}

	if cmd == "ls" {
		// ls reads the on-disk layout directly; it doesn't need a live Cache.
		if err := cmdLs(*dirFlag, *valueCountFlag); err != nil {
			log.Printf("ls: %v", err)
			os.Exit(1)
		}
		return
	}

	if *dirFlag == "" {
		usage()
		os.Exit(2)
	}

	adjustRlimit(log)

	c, err := disk.Open(*dirFlag, *valueCountFlag, *maxSizeFlag, disk.WithLogger(log))
	if err != nil {
		log.Printf("opening cache: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	args := pflag.Args()

	switch cmd {
	case "get":
		err = cmdGet(c, args)
	case "put":
		err = cmdPut(c, args)
	case "rm":
		err = cmdRm(c, args)
	case "gc":
		err = c.Flush()
	case "serve-stats":
		err = cmdServeStats(c, *statsFileFlag, *intervalFlag, log)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Printf("%s: %v", cmd, err)
		os.Exit(1)
	}
}

func cmdGet(c *disk.Cache, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: get <key> [slot]")
	}
	key := args[0]

	snap, err := c.Get(key)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("miss: %q", key)
	}
	defer snap.Close()

	if len(args) >= 2 {
		i, err := strconv.Atoi(args[1])
		if err != nil || i < 0 || i >= snap.ValueCount() {
			return fmt.Errorf("invalid slot %q", args[1])
		}
		s, err := snap.String(i)
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	}

	for i := 0; i < snap.ValueCount(); i++ {
		s, err := snap.String(i)
		if err != nil {
			return err
		}
		fmt.Println(s)
	}
	return nil
}

// cmdPut writes one or more value slots for key, given as "<slot>=<value>"
// arguments, then commits. Unwritten slots are left as-is on an update edit.
func cmdPut(c *disk.Cache, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: put <key> <slot>=<value> [<slot>=<value>...]")
	}
	key := args[0]

	ed, err := c.Edit(key)
	if err != nil {
		return err
	}

	for _, kv := range args[1:] {
		slot, val, ok := strings.Cut(kv, "=")
		if !ok {
			_ = ed.Abort()
			return fmt.Errorf("expected <slot>=<value>, got %q", kv)
		}
		i, err := strconv.Atoi(slot)
		if err != nil {
			_ = ed.Abort()
			return fmt.Errorf("invalid slot %q", slot)
		}
		if err := ed.Set(i, []byte(val)); err != nil {
			_ = ed.Abort()
			return err
		}
	}

	return ed.Commit()
}

func cmdRm(c *disk.Cache, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rm <key>")
	}
	return c.Remove(args[0])
}

var lsFileRe = regexp.MustCompile(`^([0-9a-f]{64})\.key$`)

// cmdLs lists every entry the cache directory currently holds, printing the
// original key where a sidecar file recovered it and the bare hash
// otherwise. It walks the directory directly rather than going through
// disk.Open, so it works without disturbing LRU order or triggering scan
// side effects like stale .tmp cleanup.
func cmdLs(dir string, valueCount int) error {
	buckets, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, b := range buckets {
		if !b.IsDir() {
			continue
		}
		bucketPath := filepath.Join(dir, b.Name())
		files, err := os.ReadDir(bucketPath)
		if err != nil {
			continue
		}

		seen := make(map[string]bool)
		sidecars := make(map[string]string)

		for _, f := range files {
			name := f.Name()
			if m := lsFileRe.FindStringSubmatch(name); m != nil {
				data, err := os.ReadFile(filepath.Join(bucketPath, name))
				if err == nil {
					sidecars[m[1]] = string(data)
				}
				continue
			}
			if len(name) > 65 && name[64] == '.' && !strings.HasSuffix(name, ".tmp") {
				seen[name[:64]] = true
			}
		}

		for hash := range seen {
			if key, ok := sidecars[hash]; ok {
				fmt.Println(key)
			} else {
				fmt.Println(hash)
			}
		}
	}
	return nil
}

type statsSnapshot struct {
	Size int64 `json:"size"`
	Len  int   `json:"len"`
}

// cmdServeStats periodically writes the cache's size and entry count to
// statsFile, atomically (rename over a temp file), until interrupted.
func cmdServeStats(c *disk.Cache, statsFile string, interval time.Duration, log cache.Logger) error {
	if statsFile == "" {
		return fmt.Errorf("serve-stats requires --stats-file")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	write := func() {
		snap := statsSnapshot{Size: c.Size(), Len: c.Len()}
		data, err := json.Marshal(snap)
		if err != nil {
			log.Printf("serve-stats: marshal: %v", err)
			return
		}
		if err := atomic.WriteFile(statsFile, strings.NewReader(string(data))); err != nil {
			log.Printf("serve-stats: write: %v", err)
		}
	}

	write()
	for {
		select {
		case <-ticker.C:
			write()
		case <-sigCh:
			return nil
		}
	}
}
