package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/guarzo/apteligent-importer/common"
)

const groupmapExtension = ".map"

// RegexGroup maps every label matching Pattern to Group.
type RegexGroup struct {
	Pattern *regexp.Regexp
	Group   string
}

// Groups is one [section] of a group map, matched in file order.
type Groups struct {
	Name  string
	Rules []RegexGroup
}

// FindGroup returns the group of the first rule matching topic.
func (g *Groups) FindGroup(topic string) (string, bool) {
	for _, rule := range g.Rules {
		if rule.Pattern.MatchString(topic) {
			return rule.Group, true
		}
	}
	return "", false
}

func (g *Groups) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", g.Name)
	for _, rule := range g.Rules {
		fmt.Fprintf(&b, "%s %s\n", rule.Pattern.String(), rule.Group)
	}
	return b.String()
}

// Groupmap is a parsed .map file: named sections of "<regexp> <group>"
// rules. A section starts with a "[name]" header and ends at the next
// blank line. Lines starting with '#' outside a section are comments.
type Groupmap struct {
	name     string
	path     string
	log      common.Logger
	sections map[string]*Groups
}

// OpenGroupmap opens and parses <dir>/<name>.map.
func OpenGroupmap(dir, name string, opts Options) (*Groupmap, error) {
	opts = opts.withDefaults()
	path := filepath.Join(dir, name+groupmapExtension)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	sections, err := ParseGroupmap(f, path, opts.Logger)
	if err != nil {
		opts.Logger.Errorf("Parsing failed: %v", err)
		return nil, err
	}
	return &Groupmap{name: name, path: path, log: opts.Logger, sections: sections}, nil
}

// Section returns the named section.
func (m *Groupmap) Section(name string) (*Groups, bool) {
	g, ok := m.sections[name]
	return g, ok
}

// FindGroup looks topic up in the named section and logs when nothing
// matches.
func (m *Groupmap) FindGroup(section, topic string) (string, bool) {
	g, ok := m.sections[section]
	if !ok {
		m.log.Errorf("No section %s in %s", section, m.path)
		return "", false
	}
	group, ok := g.FindGroup(topic)
	if !ok {
		m.log.Errorf("No group found for %s in table: %s", topic, section)
		return "", false
	}
	m.log.Debugf("%s: %s belongs to %s", section, topic, group)
	return group, true
}

func (m *Groupmap) String() string {
	names := make([]string, 0, len(m.sections))
	for name := range m.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(m.sections[name].String())
		b.WriteString("\n")
	}
	return b.String()
}

type scanState int

const (
	outsideSection scanState = iota
	insideSection
)

// ParseGroupmap scans a group map line by line. source only labels errors.
func ParseGroupmap(r io.Reader, source string, log common.Logger) (map[string]*Groups, error) {
	if log == nil {
		log = nopLogger{}
	}
	sections := make(map[string]*Groups)
	state := outsideSection
	var current *Groups

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, fmt.Errorf("%s:%d: empty section name", source, lineno)
			}
			current = &Groups{Name: name}
			sections[name] = current
			state = insideSection
			log.Debugf("Creating list of groups for %s", name)
			continue
		}

		switch state {
		case outsideSection:
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			log.Errorf("Line %d in %s, not handled: %s", lineno, source, line)
		case insideSection:
			if line == "" {
				log.Debugf("Close groupings for %s.", current.Name)
				state = outsideSection
				current = nil
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return nil, fmt.Errorf("%s:%d: expected \"<regexp> <group>\", got %q", source, lineno, line)
			}
			re, err := regexp.Compile(fields[0])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", source, lineno, err)
			}
			current.Rules = append(current.Rules, RegexGroup{Pattern: re, Group: fields[1]})
			log.Debugf("%s -> %s", fields[0], fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return sections, nil
}
