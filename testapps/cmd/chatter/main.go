package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// chatter emits timestamped lines on stdout and stderr and then blocks
// forever. Useful for poking at `gamectl logs --since` and the captured
// log files of the procgroup backend.
func main() {
	var interval time.Duration
	var lines int
	flag.DurationVar(&interval, "interval", 50*time.Millisecond, "Delay between lines")
	flag.IntVar(&lines, "lines", 50, "Number of lines to emit before sleeping forever")
	flag.Parse()

	for i := 0; i < lines; i++ {
		now := time.Now().Format("2006-01-02 15:04:05")
		_, _ = fmt.Fprintf(os.Stdout, "%s chatter stdout %d\n", now, i)
		_, _ = fmt.Fprintf(os.Stderr, "%s chatter stderr %d\n", now, i)
		time.Sleep(interval)
	}
	select {}
}
