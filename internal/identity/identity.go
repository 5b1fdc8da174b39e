package identity

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Identifier text format:
//
//	[PREFIX-]PHRASE1-TSHEX-PHRASE2[-TAG]
//
// Uppercase word characters only, so ids survive external round-trips
// (callback payloads, URLs, log lines) unmodified. PHRASE1/PHRASE2 are
// random base36 phrases, TSHEX is the mint time in hex unix-millis, and
// TAG is the session marker of the run that minted the id.
const (
	phraseLen = 6
	tagLen    = 6
)

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	idPattern = regexp.MustCompile(`^[A-Z0-9]+(?:-[A-Z0-9]+)*$`)

	// Prefixes become the leading id segment, so they must stay within the
	// id alphabet or the session would mint ids its own Parse rejects.
	prefixStrip = regexp.MustCompile(`[^A-Z0-9]+`)
)

// Session mints ids carrying a marker unique to this process run.
//
// Membership of an id in the current session is what distinguishes "minted
// by a live timer in this process" from "persisted by a previous run and
// pending re-adoption". The tag is random, not clock-derived, so no clock
// synchronization is needed across restarts.
type Session struct {
	prefix string
	tag    string
}

// New creates a session with a fresh random tag. The prefix (may be empty)
// is stamped on every id the session generates; characters outside the id
// alphabet are dropped after uppercasing.
func New(prefix string) *Session {
	return &Session{
		prefix: prefixStrip.ReplaceAllString(strings.ToUpper(prefix), ""),
		tag:    randomPhrase(tagLen),
	}
}

// Tag returns the session marker embedded in generated ids.
func (s *Session) Tag() string { return s.tag }

// Generate mints a new id owned by this session.
func (s *Session) Generate() string {
	body := randomPhrase(phraseLen) +
		"-" + strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 16)) +
		"-" + randomPhrase(phraseLen)
	if s.prefix != "" {
		return s.prefix + "-" + body + "-" + s.tag
	}
	return body + "-" + s.tag
}

// IsMember reports whether id carries this session's tag.
func (s *Session) IsMember(id string) bool {
	p := Parse(id)
	return p.Matched && p.SessionTag == s.tag
}

// Reimport re-keys a foreign-session id into this session: the correlation
// body (and prefix, if any) is preserved and only the tag is replaced.
// Input that does not parse yields a fresh id instead.
func (s *Session) Reimport(id string) string {
	p := Parse(id)
	if !p.Matched {
		return s.Generate()
	}
	if p.Prefix != "" {
		return p.Prefix + "-" + p.Body + "-" + s.tag
	}
	return p.Body + "-" + s.tag
}

// Parsed is the decomposition of an identifier. When Matched is false all
// other fields are zero.
type Parsed struct {
	Matched    bool
	Prefix     string
	Body       string
	Timestamp  time.Time
	SessionTag string
}

// Parse decomposes an id. It never fails loudly: ids arrive from untrusted
// external sources (echoed button payloads, stale persisted state), so
// malformed input degrades to Matched=false.
func Parse(id string) Parsed {
	if id == "" || !idPattern.MatchString(id) {
		return Parsed{}
	}
	parts := strings.Split(id, "-")

	// The body is PHRASE-TSHEX-PHRASE. A 3-part id is a bare body, a
	// 4-part id adds the session tag, a 5-part id adds a prefix too.
	var prefix, tag string
	var body []string
	switch len(parts) {
	case 3:
		body = parts
	case 4:
		body, tag = parts[:3], parts[3]
	case 5:
		prefix, body, tag = parts[0], parts[1:4], parts[4]
	default:
		return Parsed{}
	}
	if len(body[0]) != phraseLen || len(body[2]) != phraseLen {
		return Parsed{}
	}
	ms, err := strconv.ParseInt(strings.ToLower(body[1]), 16, 64)
	if err != nil || ms <= 0 {
		return Parsed{}
	}
	if tag != "" && len(tag) != tagLen {
		return Parsed{}
	}
	return Parsed{
		Matched:    true,
		Prefix:     prefix,
		Body:       strings.Join(body, "-"),
		Timestamp:  time.UnixMilli(ms),
		SessionTag: tag,
	}
}

func randomPhrase(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}
