package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

var (
	wireMu       sync.Mutex
	wireLog      *log.Logger
	wireDumpBody bool
)

// SetWireWriter 指定券商 API 原始报文的落盘位置；传 nil 关闭。
func SetWireWriter(w io.Writer) {
	wireMu.Lock()
	defer wireMu.Unlock()
	if w == nil {
		wireLog = nil
		return
	}
	wireLog = log.New(w, "", log.LstdFlags)
}

// EnableWireBodyDump toggles request/response body capture. Headers and the
// status line are always written when a wire writer is set; bodies only when
// this is on, since order payloads carry account numbers.
func EnableWireBodyDump(enabled bool) {
	wireMu.Lock()
	wireDumpBody = enabled
	wireMu.Unlock()
}

type wireSection struct {
	Title string
	Body  string
}

func logWire(venue, call string, sections []wireSection) {
	wireMu.Lock()
	sink := wireLog
	wireMu.Unlock()
	if sink == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[WIRE]")
	if venue != "" {
		b.WriteString("[")
		b.WriteString(venue)
		b.WriteString("]")
	}
	if call != "" {
		b.WriteString("[")
		b.WriteString(call)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	sink.Print(b.String())
}

// LogWireExchange records one HTTP round trip against the brokerage.
func LogWireExchange(venue, method, path string, status int, reqBody, respBody string) {
	call := method + " " + path
	sections := []wireSection{{Title: "STATUS", Body: statusLine(status)}}
	if wireBodyDumpEnabled() {
		if strings.TrimSpace(reqBody) != "" {
			sections = append(sections, wireSection{Title: "REQUEST", Body: reqBody})
		}
		if strings.TrimSpace(respBody) != "" {
			sections = append(sections, wireSection{Title: "RESPONSE", Body: respBody})
		}
	}
	logWire(venue, call, sections)
}

func wireBodyDumpEnabled() bool {
	wireMu.Lock()
	defer wireMu.Unlock()
	return wireDumpBody
}

func statusLine(status int) string {
	if status <= 0 {
		return "transport error"
	}
	return fmt.Sprintf("HTTP %d", status)
}
