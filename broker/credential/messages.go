package credential

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimeZone is used for timestamps in the status message.
const DefaultTimeZone = "Africa/Dar_es_Salaam"

// Composer builds the two messages sent to a freshly linked account: the
// session string and a status banner.
type Composer struct {
	Brand string
	Owner string
	// Links are appended to the status banner as "label: url" lines.
	Links    []Link
	Location *time.Location
	Now      func() time.Time
}

type Link struct {
	Label string
	URL   string
}

// LinksFromMap converts label to URL pairs into links sorted by label.
func LinksFromMap(m map[string]string) []Link {
	links := make([]Link, 0, len(m))
	for label, u := range m {
		links = append(links, Link{Label: label, URL: u})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Label < links[j].Label })
	return links
}

// NewComposer loads zone and returns a Composer. An empty zone selects
// DefaultTimeZone.
func NewComposer(brand, owner, zone string) (*Composer, error) {
	if zone == "" {
		zone = DefaultTimeZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return &Composer{
		Brand:    brand,
		Owner:    owner,
		Location: loc,
		Now:      time.Now,
	}, nil
}

// SessionMessage wraps a packaged session string in a copyable block.
func (c *Composer) SessionMessage(sessionString string) string {
	return fmt.Sprintf("%s Session String:\n\n```%s```\n\n*Copy this string and use it to connect your bot.*",
		c.Brand, sessionString)
}

// StatusMessage returns the connection banner stamped with the current time
// in the composer's zone.
func (c *Composer) StatusMessage() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now().In(loc)

	var b strings.Builder
	b.WriteString("*BOT SUCCESSFULLY CONNECTED*\n\n")
	fmt.Fprintf(&b, "╭━━ 『 %s INITIALIZED 』\n", c.Brand)
	fmt.Fprintf(&b, "┃  BOT NAME: %s\n", c.Brand)
	if c.Owner != "" {
		fmt.Fprintf(&b, "┃  OWNER: %s\n", c.Owner)
	}
	b.WriteString("┃  MODE: *private*\n")
	b.WriteString("┃  PREFIX: *.*\n")
	fmt.Fprintf(&b, "┃  TIME: *%s*\n", t.Format("3:04:05 PM"))
	fmt.Fprintf(&b, "┃  DATE: %s\n", t.Format("02/01/2006"))
	b.WriteString("╰━━━━━━━━━━━━━━━━━━━╯\n\n")
	b.WriteString("REPORT ANY GLITCHES DIRECTLY TO THE OWNER.\n")

	for _, l := range c.Links {
		fmt.Fprintf(&b, "\n%s: %s", l.Label, l.URL)
	}
	if len(c.Links) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

// Messages returns the delivery messages for sessionString in send order.
func (c *Composer) Messages(sessionString string) []string {
	return []string{c.SessionMessage(sessionString), c.StatusMessage()}
}
