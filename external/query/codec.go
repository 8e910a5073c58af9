package query

import (
	"strconv"
	"strings"
)

// The query protocol escapes whitespace and separator characters inside
// values; a space would otherwise end the value and a pipe would start
// the next record.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`/`, `\/`,
	` `, `\s`,
	`|`, `\p`,
	"\a", `\a`,
	"\b", `\b`,
	"\f", `\f`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\v", `\v`,
)

var unescaper = strings.NewReplacer(
	`\\`, `\`,
	`\/`, `/`,
	`\s`, ` `,
	`\p`, `|`,
	`\a`, "\a",
	`\b`, "\b",
	`\f`, "\f",
	`\n`, "\n",
	`\r`, "\r",
	`\t`, "\t",
	`\v`, "\v",
)

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }

// record is one key=value group from a reply line.
type record map[string]string

func (r record) str(key string) string { return r[key] }

func (r record) int(key string) int {
	n, _ := strconv.Atoi(r[key])
	return n
}

func (r record) bool(key string) bool { return r[key] == "1" }

// intList parses comma-joined id lists such as client_servergroups.
func (r record) intList(key string) []int {
	raw := r[key]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// parseRecords splits reply body lines into records. Records are
// separated by pipes, fields by spaces, keys from values by the first
// equals sign. A key without a value stays as an empty string.
func parseRecords(lines []string) []record {
	var out []record
	for _, line := range lines {
		for _, chunk := range strings.Split(line, "|") {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			rec := make(record)
			for _, field := range strings.Split(chunk, " ") {
				if field == "" {
					continue
				}
				key, value, _ := strings.Cut(field, "=")
				rec[key] = unescape(value)
			}
			out = append(out, rec)
		}
	}
	return out
}

// parseErrorLine recognizes the reply terminator, e.g.
// "error id=0 msg=ok" or "error id=2561 msg=duplicate\sentry".
func parseErrorLine(line string) (id int, msg string, ok bool) {
	rest, found := strings.CutPrefix(line, "error ")
	if !found {
		return 0, "", false
	}
	for _, field := range strings.Split(rest, " ") {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "id":
			id, _ = strconv.Atoi(value)
		case "msg":
			msg = unescape(value)
		}
	}
	return id, msg, true
}

// command builds one outbound line. Parameter order is kept as written
// so encoded commands are deterministic.
type command struct {
	name      string
	args      []string
	sensitive bool // carries credentials; never dumped or logged
}

func newCommand(name string) *command {
	return &command{name: name}
}

func (c *command) param(key, value string) *command {
	c.args = append(c.args, key+"="+escape(value))
	return c
}

func (c *command) paramInt(key string, value int) *command {
	return c.param(key, strconv.Itoa(value))
}

func (c *command) flag(name string) *command {
	c.args = append(c.args, "-"+name)
	return c
}

func (c *command) secret() *command {
	c.sensitive = true
	return c
}

func (c *command) String() string {
	if len(c.args) == 0 {
		return c.name
	}
	return c.name + " " + strings.Join(c.args, " ")
}
