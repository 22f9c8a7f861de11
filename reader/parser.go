package reader

import (
	"strconv"
	"strings"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/compiler"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/zone"
)

// target is what a parse call allocates into: a zone for heap values and
// a symbol table for interning symbol names, grounded on mara_parse's
// (mara_zone_t*, mara_exec_ctx_t*) pair (src/parser.c).
type target struct {
	zone   *zone.Zone
	symtab *symbol.Table
	debug  compiler.DebugTable
}

// Result is what a successful parse produces: the parsed value (a
// top-level list of expressions, or a single expression for ParseOne)
// plus the debug table the compiler consults for source-location
// tagging, and how many bytes of src were consumed.
type Result struct {
	Value         value.Value
	Debug         compiler.DebugTable
	BytesConsumed int
}

// ParseAll parses every top-level expression in src into one list value
// (§6 embedding API "parse_all"), mirroring mara_parse with parse_one
// unset.
func ParseAll(z *zone.Zone, symtab *symbol.Table, filename, src string) (Result, error) {
	return doParse(z, symtab, filename, src, false)
}

// ParseOne parses a single leading expression from src (§6 "parse_one"),
// returning BytesConsumed so a caller (e.g. a REPL) can resume parsing
// the remainder.
func ParseOne(z *zone.Zone, symtab *symbol.Table, filename, src string) (Result, error) {
	return doParse(z, symtab, filename, src, true)
}

func doParse(z *zone.Zone, symtab *symbol.Table, filename, src string, one bool) (Result, error) {
	if filename == "" {
		filename = "<unknown>"
	}
	lx := newLexer(filename, src)
	tg := &target{zone: z, symtab: symtab, debug: make(compiler.DebugTable)}

	h := container.NewList(z.ID(), 0, nil)
	listVal := value.FromHeap(value.KindList, h)
	lst := container.AsList(listVal)

	slot := 0
	for {
		tok, err := lx.next()
		if err != nil {
			return Result{}, err
		}
		if tok.typ == tokEnd {
			break
		}
		elem, err := tg.parseToken(lx, tok)
		if err != nil {
			return Result{}, err
		}
		if err := lst.Push(z, h, elem); err != nil {
			return Result{}, err
		}
		tg.debug[compiler.DebugKey{List: h, Slot: slot}] = corelisp.SourceInfo{Range: tok.rng}
		slot++
		if one {
			break
		}
	}

	return Result{Value: listVal, Debug: tg.debug, BytesConsumed: lx.pos}, nil
}

// parseToken parses one already-lexed token into a value, recursing into
// parseList for a left paren (§src/parser.c mara_parse_token).
func (tg *target) parseToken(lx *lexer, tok token) (value.Value, error) {
	switch tok.typ {
	case tokInt:
		n, err := strconv.ParseInt(stripUnderscores(tok.lexeme), 10, 32)
		if err != nil {
			return value.Value{}, tg.numberError(tok)
		}
		return value.Int(int32(n)), nil
	case tokReal:
		f, err := strconv.ParseFloat(stripUnderscores(tok.lexeme), 64)
		if err != nil {
			return value.Value{}, tg.numberError(tok)
		}
		return value.Float(f), nil
	case tokString:
		return value.NewString(tg.zone, tg.zone.ID(), tok.lexeme), nil
	case tokSymbol:
		return value.Symbol(tg.symtab.Intern(tok.lexeme)), nil
	case tokLeftParen:
		return tg.parseList(lx, tok)
	case tokRightParen:
		return value.Value{}, corelisp.NewError(corelisp.ErrSyntaxUnexpectedToken, "unexpected ')'").
			WithSource(corelisp.SourceInfo{Range: tok.rng})
	case tokEnd:
		return value.Value{}, corelisp.NewError(corelisp.ErrSyntaxUnexpectedEOF, "unexpected end of file").
			WithSource(corelisp.SourceInfo{Range: tok.rng})
	default:
		return value.Value{}, corelisp.NewError(corelisp.ErrPanic, "unreachable lexer token type")
	}
}

func (tg *target) numberError(tok token) error {
	return corelisp.NewError(corelisp.ErrSyntaxBadNumber, "number too large or badly formatted").
		WithSource(corelisp.SourceInfo{Range: tok.rng})
}

func stripUnderscores(s string) string {
	if !strings.ContainsRune(s, '_') {
		return s
	}
	return strings.ReplaceAll(s, "_", "")
}

// parseList parses the body of a parenthesized list until its matching
// ')' (§src/parser.c mara_parse_list), tagging every element slot in the
// debug table by the list's own heap identity.
func (tg *target) parseList(lx *lexer, open token) (value.Value, error) {
	h := container.NewList(tg.zone.ID(), 0, nil)
	listVal := value.FromHeap(value.KindList, h)
	lst := container.AsList(listVal)

	slot := 0
	for {
		tok, err := lx.next()
		if err != nil {
			return value.Value{}, err
		}
		switch tok.typ {
		case tokEnd:
			return value.Value{}, corelisp.NewError(corelisp.ErrSyntaxUnexpectedEOF, "unexpected end of file inside list").
				WithSource(corelisp.SourceInfo{Range: corelisp.SourceRange{Filename: open.rng.Filename, Start: open.rng.Start, End: tok.rng.End}})
		case tokRightParen:
			return listVal, nil
		default:
			elem, err := tg.parseToken(lx, tok)
			if err != nil {
				return value.Value{}, err
			}
			if err := lst.Push(tg.zone, h, elem); err != nil {
				return value.Value{}, err
			}
			tg.debug[compiler.DebugKey{List: h, Slot: slot}] = corelisp.SourceInfo{Range: tok.rng}
			slot++
		}
	}
}
