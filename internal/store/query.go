package store

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/wppcache/internal/backend"
)

// pathPattern limits which field paths are inlined into SQL.
var pathPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// selectRecords builds the query for a filter. Conditions SQLite can narrow
// on are pushed down; the caller still applies filter.Match to every row, so
// a condition that is not pushed down only costs a wider scan.
func selectRecords(collection string, filter backend.Filter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, data FROM records WHERE collection = ?`)
	args := []any{collection}

	for _, c := range filter.Conditions {
		switch {
		case c.Field == "id" && c.Op == backend.OpEq:
			s, ok := c.Value.(string)
			if !ok {
				continue
			}
			b.WriteString(` AND id = ?`)
			args = append(args, s)
		case !pathPattern.MatchString(c.Field):
			continue
		case c.Op == backend.OpEq:
			// json_extract yields 1 and 0 for JSON booleans, matching how
			// the driver binds bool.
			switch c.Value.(type) {
			case string, bool:
				fmt.Fprintf(&b, ` AND json_extract(data, '$.%s') = ?`, c.Field)
				args = append(args, c.Value)
			}
		case c.Op == backend.OpContains:
			// LIKE folds ASCII case only.
			s, ok := c.Value.(string)
			if !ok || !isASCII(s) {
				continue
			}
			fmt.Fprintf(&b, ` AND json_extract(data, '$.%s') LIKE ? ESCAPE '\'`, c.Field)
			args = append(args, "%"+escapeLike(s)+"%")
		}
	}
	b.WriteString(` ORDER BY id`)
	return b.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
