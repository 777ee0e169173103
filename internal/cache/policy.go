package cache

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
)

// Strategy is the algorithm chosen for a request.
type Strategy int

const (
	// NetworkOnly bypasses the cache entirely.
	NetworkOnly Strategy = iota
	StaleWhileRevalidate
	CacheFirst
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkOnly:
		return "network-only"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Class is a resource class. Each class has its own namespace.
type Class string

const (
	ClassStatic   Class = "static"
	ClassDynamic  Class = "dynamic"
	ClassUserData Class = "user-data"
	ClassImages   Class = "images"
	ClassFonts    Class = "fonts"
)

// Classes lists every resource class.
var Classes = []Class{ClassStatic, ClassDynamic, ClassUserData, ClassImages, ClassFonts}

// Policy maps request URLs to a strategy and a resource class. It is
// read-only after construction.
type Policy struct {
	neverCache     []*regexp.Regexp
	swr            []*regexp.Regexp
	swrExt         map[string]bool
	imageExt       map[string]bool
	fontExt        map[string]bool
	apiPrefix      string
	userDataPrefix string
	shell          map[string]bool
}

// NewPolicy compiles the URL patterns of cfg. shell lists the paths of
// the application shell, which are classed as static.
func NewPolicy(cfg config.CacheConfig, shell []string) (*Policy, error) {
	p := &Policy{
		swrExt:         extSet(cfg.SWRExtensions),
		imageExt:       extSet(cfg.ImageExtensions),
		fontExt:        extSet(cfg.FontExtensions),
		apiPrefix:      cfg.APIPrefix,
		userDataPrefix: cfg.UserDataPrefix,
		shell:          make(map[string]bool, len(shell)),
	}
	var err error
	if p.neverCache, err = compileAll(cfg.NeverCache); err != nil {
		return nil, fmt.Errorf("never_cache: %w", err)
	}
	if p.swr, err = compileAll(cfg.StaleWhileRevalidate); err != nil {
		return nil, fmt.Errorf("stale_while_revalidate: %w", err)
	}
	for _, s := range shell {
		p.shell[s] = true
	}
	return p, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func extSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(ext)] = true
	}
	return set
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func extension(u *url.URL) string {
	return strings.ToLower(path.Ext(u.Path))
}

// NeverCache reports whether u must never be read from or written to any
// cache.
func (p *Policy) NeverCache(u *url.URL) bool {
	return matchAny(p.neverCache, u.Path)
}

// Strategy selects the algorithm for a GET of u. Rules are evaluated in
// order: never-cache, stale-while-revalidate allow-list, image or font
// extension, then network-first for API and everything else.
func (p *Policy) Strategy(u *url.URL) Strategy {
	ext := extension(u)
	switch {
	case p.NeverCache(u):
		return NetworkOnly
	case matchAny(p.swr, u.Path) || p.swrExt[ext]:
		return StaleWhileRevalidate
	case p.imageExt[ext] || p.fontExt[ext]:
		return CacheFirst
	default:
		return NetworkFirst
	}
}

// Class selects the namespace class for u.
func (p *Policy) Class(u *url.URL) Class {
	ext := extension(u)
	switch {
	case p.imageExt[ext]:
		return ClassImages
	case p.fontExt[ext]:
		return ClassFonts
	case p.swrExt[ext] || p.shell[u.Path]:
		return ClassStatic
	case p.userDataPrefix != "" && strings.HasPrefix(u.Path, p.userDataPrefix):
		return ClassUserData
	default:
		return ClassDynamic
	}
}

// IsAPI reports whether u is under the API prefix.
func (p *Policy) IsAPI(u *url.URL) bool {
	return strings.HasPrefix(u.Path, p.apiPrefix)
}
