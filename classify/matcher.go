package classify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/k-sone/critbitgo"
	"golang.org/x/net/idna"
)

// Matcher answers whether a name is covered by a domain list. Entries
// match the name and all of its subdomains, entries written as "=name"
// match only the name itself.
type Matcher struct {
	suffixes *critbitgo.Trie
	exact    map[string]struct{}
}

func NewMatcher() *Matcher {
	return &Matcher{
		suffixes: critbitgo.NewTrie(),
		exact:    make(map[string]struct{}),
	}
}

// Add inserts one list entry, returning an error when the entry is not a
// valid domain name.
func (m *Matcher) Add(entry string) error {
	exact := strings.HasPrefix(entry, "=")
	name, err := Normalize(strings.TrimPrefix(entry, "="))
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("empty entry %q", entry)
	}

	if exact {
		m.exact[name] = struct{}{}
		return nil
	}
	m.suffixes.Insert(suffixKey(name), name)
	return nil
}

func (m *Matcher) Match(name string) bool {
	if m == nil || name == "" {
		return false
	}
	if _, ok := m.exact[name]; ok {
		return true
	}
	_, _, ok := m.suffixes.LongestPrefix(suffixKey(name))
	return ok
}

func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return m.suffixes.Size() + len(m.exact)
}

// Load reads a list: one entry per line, '#' starts a comment. Invalid lines
// are returned as warnings and skipped.
func (m *Matcher) Load(r io.Reader) (warnings []string, err error) {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if addErr := m.Add(text); addErr != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", line, addErr))
		}
	}
	return warnings, scanner.Err()
}

// LoadFile is Load over a file, an empty path yields an empty matcher.
func LoadFile(path string) (*Matcher, []string, error) {
	m := NewMatcher()
	if path == "" {
		return m, nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	warnings, err := m.Load(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, warnings, nil
}

var profile = idna.New(idna.MapForLookup(), idna.Transitional(false), idna.StrictDomainName(false))

// Normalize converts a domain to its lower-case ASCII form without the
// trailing dot, so "Bücher.Example." becomes "xn--bcher-kva.example".
func Normalize(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", nil
	}
	ascii, err := profile.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	ascii = strings.ToLower(ascii)
	if i := strings.IndexFunc(ascii, invalidRune); i >= 0 {
		return "", fmt.Errorf("invalid domain %q: character %q", domain, ascii[i])
	}
	return ascii, nil
}

func invalidRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		return false
	}
	return true
}

// suffixKey reverses name and appends a dot so that a trie prefix match
// always ends on a label boundary.
func suffixKey(name string) []byte {
	key := make([]byte, 0, len(name)+1)
	for i := len(name) - 1; i >= 0; i-- {
		key = append(key, name[i])
	}
	return append(key, '.')
}
