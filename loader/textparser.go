package loader

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"nanocore/mempages"
)

// ParseTextSymbols is component D: it parses a writable mapping holding a
// textual, readelf(1)-style symbol-table dump (possibly with demangled
// names) into a *Crate. mapping must be at least size bytes; the last byte
// of size is overwritten with a NUL terminator.
func ParseTextSymbols(
	mapping *mempages.MappedPages,
	size int,
	crateName string,
	objectFile *ModuleArea,
	text, rodata, data *mempages.Shared,
) (*Crate, error) {
	if size <= 0 || size > len(mapping.Bytes()) {
		return nil, &MalformedError{What: fmt.Sprintf("textual symbol dump size %d out of range for mapping of %d bytes", size, len(mapping.Bytes()))}
	}
	if err := mapping.WriteByte(uintptr(size-1), 0); err != nil {
		return nil, &ResourceError{What: "couldn't write NUL terminator into scratch mapping", Err: err}
	}

	raw := mapping.Bytes()[:size]
	if i := indexZero(raw); i >= 0 {
		raw = raw[:i]
	}

	text8, err := validateUTF8(raw)
	if err != nil {
		return nil, &MalformedError{What: "nano_core symbol dump is not valid UTF-8", Err: err}
	}

	lines := strings.Split(text8, "\n")

	shndx, err := findSectionIndices(lines)
	if err != nil {
		return nil, err
	}

	lineIdx := skipToSymbolTable(lines)
	if lineIdx < 0 {
		return nil, &NotFoundError{What: "parse_nano_core_symbol_file(): couldn't find 'Symbol table' header"}
	}
	// skip the header line itself and the column-titles line below it.
	lineIdx += 2

	b := newCrateBuilder(crateName, objectFile, text, rodata, data)

	var loopErr error
	for ; lineIdx < len(lines); lineIdx++ {
		line := strings.TrimSpace(lines[lineIdx])
		if line == "" {
			continue
		}
		if err := parseTextSymbolLine(line, shndx, text, rodata, data, b); err != nil {
			loopErr = err
			break
		}
	}
	if loopErr != nil {
		return nil, loopErr
	}

	return b.finish(), nil
}

type sectionIndices struct {
	text, rodata, data, bss int
}

// findSectionIndices runs the section-header discovery pass: walk lines
// looking for the four PROGBITS/NOBITS section headers this core cares
// about, stopping as soon as all four are found.
func findSectionIndices(lines []string) (sectionIndices, error) {
	var idx sectionIndices
	var haveText, haveRodata, haveData, haveBss bool

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case !haveText && strings.Contains(line, ".text") && strings.Contains(line, "PROGBITS"):
			if n, ok := parseBracketIndex(line); ok {
				idx.text, haveText = n, true
			}
		case !haveData && strings.Contains(line, ".data") && strings.Contains(line, "PROGBITS"):
			if n, ok := parseBracketIndex(line); ok {
				idx.data, haveData = n, true
			}
		case !haveRodata && strings.Contains(line, ".rodata") && strings.Contains(line, "PROGBITS"):
			if n, ok := parseBracketIndex(line); ok {
				idx.rodata, haveRodata = n, true
			}
		case !haveBss && strings.Contains(line, ".bss") && strings.Contains(line, "NOBITS"):
			if n, ok := parseBracketIndex(line); ok {
				idx.bss, haveBss = n, true
			}
		}
		if haveText && haveRodata && haveData && haveBss {
			break
		}
	}

	switch {
	case !haveText:
		return idx, &NotFoundError{What: "parse_nano_core_symbol_file(): couldn't find .text section index"}
	case !haveRodata:
		return idx, &NotFoundError{What: "parse_nano_core_symbol_file(): couldn't find .rodata section index"}
	case !haveData:
		return idx, &NotFoundError{What: "parse_nano_core_symbol_file(): couldn't find .data section index"}
	case !haveBss:
		return idx, &NotFoundError{What: "parse_nano_core_symbol_file(): couldn't find .bss section index"}
	}
	return idx, nil
}

// parseBracketIndex extracts N out of a line containing "[N]".
func parseBracketIndex(line string) (int, bool) {
	open := strings.Index(line, "[")
	if open < 0 {
		return 0, false
	}
	close := strings.Index(line[open:], "]")
	if close < 0 {
		return 0, false
	}
	close += open
	n, err := strconv.Atoi(strings.TrimSpace(line[open+1 : close]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// skipToSymbolTable returns the index of the line beginning with
// "Symbol table", or -1 if none is found.
func skipToSymbolTable(lines []string) int {
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Symbol table") {
			return i
		}
	}
	return -1
}

func parseTextSymbolLine(line string, shndx sectionIndices, text, rodata, data *mempages.Shared, b *builder) error {
	cols := splitColumns(line, 8)
	if len(cols) < 8 {
		return &MalformedError{What: fmt.Sprintf("symbol table line has too few columns: %q", line)}
	}
	vaddrStr, sizeStr, ndxStr, nameHash := cols[1], cols[2], cols[6], cols[7]

	ndx, err := strconv.Atoi(ndxStr)
	if err != nil {
		// Non-numeric section index (e.g. "ABS") means this entry belongs
		// to no section we track; skip it silently.
		return nil
	}

	noHash, hash, err := splitNameHash(nameHash)
	if err != nil {
		return err
	}

	vaddr, err := strconv.ParseUint(vaddrStr, 16, 64)
	if err != nil {
		return &MalformedError{What: fmt.Sprintf("couldn't parse virtual address column %q", vaddrStr), Err: err}
	}
	size, err := parseSizeColumn(sizeStr)
	if err != nil {
		return &MalformedError{What: fmt.Sprintf("couldn't parse size column %q", sizeStr), Err: err}
	}

	var kind Kind
	var owning *mempages.Shared
	switch ndx {
	case shndx.text:
		kind, owning = Text, text
	case shndx.rodata:
		kind, owning = Rodata, rodata
	case shndx.data:
		kind, owning = Data, data
	case shndx.bss:
		// .bss has no backing file content; the nano_core build places it
		// within the .data mapping's virtual range.
		kind, owning = Bss, data
	default:
		// Belongs to .init or similar; not one of the four tracked
		// sections.
		return nil
	}

	return b.append(kind, noHash, hash, owning, uintptr(vaddr), size, true)
}

// splitNameHash partitions s on the first '#'. More than one '#' is an
// error.
func splitNameHash(s string) (string, *string, error) {
	if strings.Count(s, "#") > 1 {
		return "", nil, &MalformedError{What: fmt.Sprintf("'Name' column %q had multiple '#' characters, expected only one as the hash separator", s)}
	}
	i := strings.IndexByte(s, '#')
	if i < 0 {
		return s, nil, nil
	}
	hash := s[i+1:]
	return s[:i], &hash, nil
}

// parseSizeColumn parses a decimal size, falling back to hex with the
// leading two characters (conventionally "0x") stripped, matching the
// upstream readelf-derived size column's formatting.
func parseSizeColumn(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("size column %q too short for hex fallback", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

// splitColumns splits line into at most n whitespace-delimited fields,
// coalescing consecutive whitespace; the final field captures the
// remainder of the line (trimmed), so a name containing internal spaces
// survives intact.
func splitColumns(line string, n int) []string {
	fields := make([]string, 0, n)
	rest := line
	for len(fields) < n-1 {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			fields = append(fields, rest)
			rest = ""
			break
		}
		fields = append(fields, rest[:i])
		rest = rest[i:]
	}
	fields = append(fields, strings.TrimSpace(rest))
	return fields
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// validateUTF8 strictly validates b as UTF-8: the first ill-formed sequence
// fails with an error naming its byte and offset. golang.org/x/text's
// decoder on its own would replace such a sequence with U+FFFD rather than
// fail, so the check is made before decoding.
func validateUTF8(b []byte) (string, error) {
	for i := 0; i < len(b); {
		r, n := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && n == 1 {
			return "", fmt.Errorf("invalid UTF-8 byte %#x at offset %d", b[i], i)
		}
		i += n
	}
	decoded, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
