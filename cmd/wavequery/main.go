// Command wavequery sends text-protocol requests to a wave server and prints
// the response lines. With arguments it runs one request; without, it reads
// requests from stdin until EOF. Binary replies (GETWAVERAW, GETHELIRAW,
// *RAW) are not decoded; use it for VERSION, MENU, GETCHANNELS, GETSCNL,
// GETMETADATA and STATUS.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ziutek/telnet"
)

func main() {
	addr := flag.String("addr", "localhost:16022", "Wave server address (host:port)")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request read timeout")
	flag.Parse()

	conn, err := telnet.DialTimeout("tcp", *addr, 10*time.Second)
	if err != nil {
		log.Fatalf("wavequery: dial %s: %v", *addr, err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if flag.NArg() > 0 {
		if err := query(conn, reader, strings.Join(flag.Args(), " "), *timeout, os.Stdout); err != nil {
			log.Fatalf("wavequery: %v", err)
		}
		return
	}

	in := bufio.NewScanner(os.Stdin)
	seq := 0
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		seq++
		line = withRequestID(line, seq)
		if err := query(conn, reader, line, *timeout, os.Stdout); err != nil {
			log.Fatalf("wavequery: %v", err)
		}
	}
}

// withRequestID adds a generated request id to a bare command such as
// "MENU" or "STATUS".
func withRequestID(line string, seq int) string {
	fields := strings.Fields(line)
	if len(fields) == 1 {
		return fmt.Sprintf("%s q%d", strings.ToUpper(fields[0]), seq)
	}
	return line
}

// query writes one request and copies its response to out up to and
// including the terminating END or ERROR line.
func query(conn *telnet.Conn, r *bufio.Reader, line string, timeout time.Duration, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("request %q has no request id", line)
	}
	id := fields[1]
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		resp, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("server closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
		resp = strings.TrimRight(resp, "\r\n")
		fmt.Fprintln(out, resp)
		if done(id, resp) {
			return nil
		}
	}
}

func done(id, resp string) bool {
	if strings.HasPrefix(resp, "? ERROR") {
		return true
	}
	rest, ok := strings.CutPrefix(resp, id+" ")
	if !ok {
		return false
	}
	return rest == "END" || strings.HasPrefix(rest, "ERROR")
}
