package log

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultPattern is the line layout used when the config leaves the
// pattern empty: timestamp, level, structured fields, message.
const DefaultPattern = "%time [%level] %field - %msg\n"

const defaultTimeFormat = "2006-01-02 15:04:05.000"

// patternFormatter renders entries by substituting %time, %level,
// %field and %msg placeholders. The pattern is split once at
// construction so formatting is a straight walk over segments.
type patternFormatter struct {
	segments   []segment
	timeFormat string
}

type segment struct {
	literal string
	verb    string
}

func newPatternFormatter(pattern, timeFormat string) *patternFormatter {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	return &patternFormatter{segments: splitPattern(pattern), timeFormat: timeFormat}
}

func splitPattern(pattern string) []segment {
	verbs := []string{"%time", "%level", "%field", "%msg"}
	var segs []segment
	for pattern != "" {
		next, verb := -1, ""
		for _, v := range verbs {
			if i := strings.Index(pattern, v); i >= 0 && (next < 0 || i < next) {
				next, verb = i, v
			}
		}
		if next < 0 {
			segs = append(segs, segment{literal: pattern})
			break
		}
		if next > 0 {
			segs = append(segs, segment{literal: pattern[:next]})
		}
		segs = append(segs, segment{verb: verb})
		pattern = pattern[next+len(verb):]
	}
	return segs
}

func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range f.segments {
		switch s.verb {
		case "":
			buf.WriteString(s.literal)
		case "%time":
			buf.WriteString(entry.Time.Format(f.timeFormat))
		case "%level":
			buf.WriteString(strings.ToUpper(entry.Level.String()))
		case "%field":
			buf.WriteString(renderFields(entry.Data))
		case "%msg":
			buf.WriteString(entry.Message)
		}
	}
	return buf.Bytes(), nil
}

// renderFields prints key=value pairs in key order so log lines are
// stable under diffing.
func renderFields(data logrus.Fields) string {
	if len(data) == 0 {
		return "[]"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, data[k])
	}
	b.WriteByte(']')
	return b.String()
}
