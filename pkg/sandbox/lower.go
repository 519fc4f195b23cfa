package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	importBinding  = "__import"
	exportsBinding = "__exports"
	identifier     = `[A-Za-z_$][\w$]*`
)

var (
	importDefaultNamedPattern = regexp.MustCompile(`(?m)^[ \t]*import\s+(` + identifier + `)\s*,\s*\{([^}]*)\}\s*from\s*['"]([^'"]+)['"][ \t]*;?`)
	importNamedPattern        = regexp.MustCompile(`(?m)^[ \t]*import\s*\{([^}]*)\}\s*from\s*['"]([^'"]+)['"][ \t]*;?`)
	importNamespacePattern    = regexp.MustCompile(`(?m)^[ \t]*import\s*\*\s*as\s+(` + identifier + `)\s+from\s*['"]([^'"]+)['"][ \t]*;?`)
	importDefaultPattern      = regexp.MustCompile(`(?m)^[ \t]*import\s+(` + identifier + `)\s+from\s*['"]([^'"]+)['"][ \t]*;?`)
	importBarePattern         = regexp.MustCompile(`(?m)^[ \t]*import\s*['"]([^'"]+)['"][ \t]*;?`)

	exportDefaultPattern = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)
	exportDeclPattern    = regexp.MustCompile(`(?m)^([ \t]*)export\s+((?:async\s+)?function\s*\*?\s*|(?:const|let|var|class)\s+)(` + identifier + `)`)
	exportListPattern    = regexp.MustCompile(`(?m)^[ \t]*export\s*\{([^}]*)\}[ \t]*;?`)

	asPattern = regexp.MustCompile(`\s+as\s+`)
)

// lowerModule rewrites ES module syntax into a function expression taking the
// import resolver and the exports object. Only the forms generated handlers use
// are supported; anything else is left for the parser to reject.
func lowerModule(source string) string {
	body := source

	body = importDefaultNamedPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := importDefaultNamedPattern.FindStringSubmatch(m)
		return defaultBinding(sub[1], sub[3]) + " " + namedBinding(sub[2], sub[3])
	})
	body = importNamedPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := importNamedPattern.FindStringSubmatch(m)
		return namedBinding(sub[1], sub[2])
	})
	body = importNamespacePattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := importNamespacePattern.FindStringSubmatch(m)
		return "const " + sub[1] + " = " + requireCall(sub[2]) + ";"
	})
	body = importDefaultPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := importDefaultPattern.FindStringSubmatch(m)
		return defaultBinding(sub[1], sub[2])
	})
	body = importBarePattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := importBarePattern.FindStringSubmatch(m)
		return requireCall(sub[1]) + ";"
	})

	var trailer []string

	body = exportDefaultPattern.ReplaceAllString(body, "${1}"+exportsBinding+".default = ")
	body = exportDeclPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := exportDeclPattern.FindStringSubmatch(m)
		trailer = append(trailer, exportsBinding+"."+sub[3]+" = "+sub[3]+";")
		return sub[1] + strings.TrimSpace(sub[2]) + " " + sub[3]
	})
	body = exportListPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := exportListPattern.FindStringSubmatch(m)
		for _, item := range splitSpecifiers(sub[1]) {
			local, exported := item, item
			if parts := asPattern.Split(item, 2); len(parts) == 2 {
				local, exported = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			}
			trailer = append(trailer, exportsBinding+"."+exported+" = "+local+";")
		}
		return ""
	})

	var b strings.Builder
	b.WriteString("(function (" + importBinding + ", " + exportsBinding + ") { \"use strict\"; ")
	b.WriteString(body)
	b.WriteString("\n")
	for _, line := range trailer {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("})")
	return b.String()
}

func requireCall(spec string) string {
	return importBinding + "(" + strconv.Quote(spec) + ")"
}

func defaultBinding(name, spec string) string {
	return "const " + name + " = " + requireCall(spec) + ".default;"
}

func namedBinding(list, spec string) string {
	items := splitSpecifiers(list)
	if len(items) == 0 {
		return requireCall(spec) + ";"
	}
	for i, item := range items {
		items[i] = asPattern.ReplaceAllString(item, ": ")
	}
	return "const { " + strings.Join(items, ", ") + " } = " + requireCall(spec) + ";"
}

func splitSpecifiers(list string) []string {
	var items []string
	for _, raw := range strings.Split(list, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}
