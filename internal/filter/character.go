package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnbalanced = errors.New("unbalanced parentheses in character filter")
	ErrEmptyEntry = errors.New("empty entry in character filter")
)

type EntryKind int

const (
	KindLiteral EntryKind = iota
	KindGroup
)

// CharacterEntry is one comma-separated element of a filter expression.
// Groups match on any alias and share one folder named after all aliases.
type CharacterEntry struct {
	Name    string
	Kind    EntryKind
	Aliases []string
	// Tilde marks "(a, b)~": the group is stored as one Known.txt line.
	// Without it the aliases may be saved individually.
	Tilde bool
}

// CharacterFilter is an ordered list of entries.
type CharacterFilter []CharacterEntry

// ParseCharacterFilter parses "Tifa, (Cloud, Zack)~, (Vivi, Ulti)".
// Commas inside parentheses do not split entries.
func ParseCharacterFilter(text string) (CharacterFilter, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	tokens, err := splitTopLevel(text)
	if err != nil {
		return nil, err
	}
	var out CharacterFilter
	for _, tok := range tokens {
		entry, err := parseEntry(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func splitTopLevel(text string) ([]string, error) {
	var tokens []string
	depth := 0
	start := 0
	for i, r := range text {
		switch r {
		case '(':
			depth++
			if depth > 1 {
				return nil, fmt.Errorf("%w: nested group at offset %d", ErrUnbalanced, i)
			}
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unexpected ')' at offset %d", ErrUnbalanced, i)
			}
		case ',':
			if depth == 0 {
				tokens = append(tokens, text[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: missing ')'", ErrUnbalanced)
	}
	return append(tokens, text[start:]), nil
}

func parseEntry(tok string) (CharacterEntry, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return CharacterEntry{}, ErrEmptyEntry
	}
	if !strings.HasPrefix(tok, "(") {
		if strings.ContainsAny(tok, "()~") {
			return CharacterEntry{}, fmt.Errorf("%w: stray group syntax in %q", ErrUnbalanced, tok)
		}
		name := cleanAlias(tok)
		return CharacterEntry{Name: name, Kind: KindLiteral, Aliases: []string{name}}, nil
	}

	tilde := strings.HasSuffix(tok, "~")
	body := strings.TrimSuffix(tok, "~")
	if !strings.HasSuffix(body, ")") {
		return CharacterEntry{}, fmt.Errorf("%w: trailing text after group %q", ErrUnbalanced, tok)
	}
	body = body[1 : len(body)-1]

	var aliases []string
	for _, a := range strings.Split(body, ",") {
		if a = cleanAlias(a); a != "" {
			aliases = append(aliases, a)
		}
	}
	if len(aliases) == 0 {
		return CharacterEntry{}, fmt.Errorf("%w: group %q has no names", ErrEmptyEntry, tok)
	}
	return CharacterEntry{
		Name:    strings.Join(aliases, " "),
		Kind:    KindGroup,
		Aliases: aliases,
		Tilde:   tilde,
	}, nil
}

func cleanAlias(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatCharacterFilter renders f in canonical form.
func FormatCharacterFilter(f CharacterFilter) string {
	parts := make([]string, 0, len(f))
	for _, e := range f {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, ", ")
}

func (e CharacterEntry) String() string {
	if e.Kind == KindLiteral {
		return e.Name
	}
	s := "(" + strings.Join(e.Aliases, ", ") + ")"
	if e.Tilde {
		s += "~"
	}
	return s
}

// Matches reports whether any alias occurs as a whole word in text.
func (e CharacterEntry) Matches(text string) bool {
	for _, a := range e.Aliases {
		if ContainsWord(text, a) {
			return true
		}
	}
	return false
}

// Match returns the first entry matching text.
func (f CharacterFilter) Match(text string) (CharacterEntry, bool) {
	for _, e := range f {
		if e.Matches(text) {
			return e, true
		}
	}
	return CharacterEntry{}, false
}

// MatchLongest returns the entry whose matching alias is longest, so that
// "Tifa Lockhart" wins over "Tifa".
func (f CharacterFilter) MatchLongest(text string) (CharacterEntry, bool) {
	var best CharacterEntry
	bestLen := 0
	for _, e := range f {
		for _, a := range e.Aliases {
			if len(a) > bestLen && ContainsWord(text, a) {
				best, bestLen = e, len(a)
			}
		}
	}
	return best, bestLen > 0
}
