package runtime

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
)

// PrintOptions bounds PrintValue's traversal, matching the original
// runtime's mara_print_options_t (include/mara.h): a max nesting depth,
// a max element count per list/map before truncation, and an indent
// width reserved for a future pretty-printed (multi-line) mode.
type PrintOptions struct {
	MaxDepth  int
	MaxLength int
	Indent    int
}

// DefaultPrintOptions mirrors the original's compiled-in defaults:
// generous enough for interactive debugging output, not for dumping an
// entire heap.
var DefaultPrintOptions = PrintOptions{MaxDepth: 16, MaxLength: 64, Indent: 0}

// PrintValue writes a human-readable rendering of v to w
// (mara_print_value). Numbers, strings, symbols and lists print in
// reader syntax; maps ({k v ...}), functions, refs and tombstones print
// in forms the reader does not accept. symtab resolves symbol values to
// their interned name; pass nil to render raw ids instead.
func PrintValue(w io.Writer, symtab *symbol.Table, v value.Value, opts PrintOptions) {
	p := &printer{symtab: symtab, opts: opts, w: &strings.Builder{}}
	p.write(v, 0)
	io.WriteString(w, p.w.String())
}

type printer struct {
	symtab *symbol.Table
	opts   PrintOptions
	w      *strings.Builder
}

func (p *printer) write(v value.Value, depth int) {
	if depth > p.opts.MaxDepth {
		p.w.WriteString("...")
		return
	}
	switch v.Kind() {
	case value.KindNil:
		p.w.WriteString("nil")
	case value.KindBool:
		if v.AsBool() {
			p.w.WriteString("true")
		} else {
			p.w.WriteString("false")
		}
	case value.KindInt:
		p.w.WriteString(strconv.FormatInt(int64(v.AsInt()), 10))
	case value.KindFloat:
		p.w.WriteString(strconv.FormatFloat(v.AsFloat(), 'g', -1, 64))
	case value.KindString:
		p.writeString(v.AsString())
	case value.KindSymbol:
		p.w.WriteString(p.lookupSymbol(v))
	case value.KindTombstone:
		p.w.WriteString("<tombstone>")
	case value.KindRef:
		fmt.Fprintf(p.w, "<ref %p>", v.Heap())
	case value.KindList:
		p.writeList(container.AsList(v), depth)
	case value.KindMap:
		p.writeMap(container.AsMap(v), depth)
	case value.KindFunction:
		if vm.IsClosure(v) {
			fmt.Fprintf(p.w, "<fn %p>", v.Heap())
		} else {
			fmt.Fprintf(p.w, "<native-fn %p>", v.Heap())
		}
	default:
		p.w.WriteString("<unknown>")
	}
}

func (p *printer) writeString(s string) {
	p.w.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			p.w.WriteString(`\"`)
		case '\\':
			p.w.WriteString(`\\`)
		case '\n':
			p.w.WriteString(`\n`)
		case '\r':
			p.w.WriteString(`\r`)
		case '\t':
			p.w.WriteString(`\t`)
		default:
			p.w.WriteRune(r)
		}
	}
	p.w.WriteByte('"')
}

func (p *printer) lookupSymbol(v value.Value) string {
	if p.symtab == nil {
		return fmt.Sprintf("sym#%d", v.AsSymbol())
	}
	return p.symtab.Lookup(v.AsSymbol())
}

func (p *printer) writeList(l *container.List, depth int) {
	p.w.WriteByte('(')
	n := l.Len()
	shown := n
	if shown > p.opts.MaxLength {
		shown = p.opts.MaxLength
	}
	for i := 0; i < shown; i++ {
		if i > 0 {
			p.w.WriteByte(' ')
		}
		p.write(l.Get(i), depth+1)
	}
	if shown < n {
		p.w.WriteString(" ...")
	}
	p.w.WriteByte(')')
}

func (p *printer) writeMap(m *container.Map, depth int) {
	p.w.WriteString("{")
	i := 0
	first := true
	m.Foreach(func(val, key value.Value) bool {
		if i >= p.opts.MaxLength {
			p.w.WriteString(" ...")
			return false
		}
		if !first {
			p.w.WriteByte(' ')
		}
		first = false
		p.write(key, depth+1)
		p.w.WriteByte(' ')
		p.write(val, depth+1)
		i++
		return true
	})
	p.w.WriteString("}")
}

// PrintError renders a *corelisp.Error the way the original's
// mara_print_error does: the dotted type, the message, and — unless
// debug info was stripped at compile time — one line per captured
// stack frame, innermost first.
func PrintError(w io.Writer, err *corelisp.Error) {
	if err == nil {
		fmt.Fprintln(w, "<nil error>")
		return
	}
	fmt.Fprintf(w, "%s: %s\n", err.Type, err.Message)
	for _, frame := range err.Stacktrace {
		fmt.Fprintf(w, "  at %s\n", frame.Range.String())
	}
}
