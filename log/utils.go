package log

import "strings"

func lPrint(ll SimpleLogger, lv Level, args ...any) {
	switch lv {
	case Debug:
		ll.Debug(args...)
	case Info:
		ll.Info(args...)
	case Warning:
		ll.Warning(args...)
	case Error:
		ll.Error(args...)
	case Panic:
		ll.Panic(args...)
	case Fatal:
		ll.Fatal(args...)
	}
}

func lPrintf(ll SimpleLogger, lv Level, format string, args ...any) {
	switch lv {
	case Debug:
		ll.Debugf(format, args...)
	case Info:
		ll.Infof(format, args...)
	case Warning:
		ll.Warningf(format, args...)
	case Error:
		ll.Errorf(format, args...)
	case Panic:
		ll.Panicf(format, args...)
	case Fatal:
		ll.Fatalf(format, args...)
	}
}

func sanitize(args ...any) []any {
	sv := make([]any, len(args))
	for i, v := range args {
		// remove all newlines and carriage returns
		if vs, ok := v.(string); ok {
			v = strings.ReplaceAll(strings.ReplaceAll(vs, "\n", ""), "\r", "")
		}
		sv[i] = v
	}
	return sv
}

// mergeFields merges additional field maps into a base map, bounded to
// maxFields entries total.
func mergeFields(base map[string]any, extra ...map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, m := range extra {
		for k, v := range m {
			out[k] = v
		}
	}
	if len(out) > maxFields {
		i := 0
		trimmed := make(map[string]any, maxFields)
		for k, v := range out {
			if i >= maxFields {
				break
			}
			trimmed[k] = v
			i++
		}
		return trimmed
	}
	return out
}
