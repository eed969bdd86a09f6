// Package script produces the text the voice assistant follows on a call.
package script

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

//go:embed default_templates.yaml
var defaultTemplates []byte

const defaultEventType = "default"

// Request is what a script is generated from.
type Request struct {
	Event     invite.Event
	Guest     invite.Guest
	Purpose   invite.Purpose
	Assistant string
}

type templateSet struct {
	Invitation string `yaml:"invitation"`
	Reminder   string `yaml:"reminder"`
}

// Templates renders scripts from per-event-type templates. It never fails
// for a well-formed request, which is what makes it a safe fallback.
type Templates struct {
	byType map[string]map[invite.Purpose]*template.Template
}

// LoadTemplates parses the built-in templates and, if path is set, the
// templates in that file on top of them.
func LoadTemplates(path string) (*Templates, error) {
	t := &Templates{
		byType: make(map[string]map[invite.Purpose]*template.Template),
	}
	if err := t.parse(defaultTemplates, "built-in"); err != nil {
		return nil, err
	}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script templates %s: %w", path, err)
	}
	if err := t.parse(data, path); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Templates) parse(data []byte, source string) error {
	var raw map[string]templateSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing script templates %s: %w", source, err)
	}
	for eventType, set := range raw {
		key := strings.ToLower(strings.TrimSpace(eventType))
		parsed := make(map[invite.Purpose]*template.Template)
		for purpose, text := range map[invite.Purpose]string{
			invite.PurposeInvitation: set.Invitation,
			invite.PurposeReminder:   set.Reminder,
		} {
			if text == "" {
				continue
			}
			tmpl, err := template.New(key + "/" + string(purpose)).Option("missingkey=zero").Parse(text)
			if err != nil {
				return fmt.Errorf("template %s/%s in %s: %w", key, purpose, source, err)
			}
			parsed[purpose] = tmpl
		}
		if existing, ok := t.byType[key]; ok {
			for p, tmpl := range parsed {
				existing[p] = tmpl
			}
			continue
		}
		t.byType[key] = parsed
	}
	if _, ok := t.byType[defaultEventType][invite.PurposeInvitation]; !ok && source == "built-in" {
		return fmt.Errorf("built-in templates have no default invitation")
	}
	return nil
}

type scriptData struct {
	Assistant           string
	Host                string
	Guest               string
	EventType           string
	Date                string
	Time                string
	Duration            string
	Location            string
	SpecialInstructions string
	CulturalPreferences string
	Deadline            string
}

func (t *Templates) lookup(eventType string, purpose invite.Purpose) *template.Template {
	if purpose != invite.PurposeReminder {
		purpose = invite.PurposeInvitation
	}
	if set, ok := t.byType[strings.ToLower(eventType)]; ok {
		if tmpl, ok := set[purpose]; ok {
			return tmpl
		}
	}
	return t.byType[defaultEventType][purpose]
}

func (t *Templates) Render(req Request) (string, error) {
	tmpl := t.lookup(req.Event.EventType, req.Purpose)
	if tmpl == nil {
		return "", fmt.Errorf("no %s template for event type %q", req.Purpose, req.Event.EventType)
	}

	// Reason: a Caser keeps state and must not be shared across goroutines
	title := cases.Title(language.Und)
	eventType := req.Event.EventType
	if eventType == "" {
		eventType = "event"
	}
	data := scriptData{
		Assistant:           title.String(fallback(req.Assistant, "Eva")),
		Host:                title.String(fallback(req.Event.HostName, "the host")),
		Guest:               title.String(fallback(req.Guest.Name, "there")),
		EventType:           strings.ToLower(eventType),
		Date:                req.Event.StartsAt.Format("Monday, January 2"),
		Time:                req.Event.StartsAt.Format("3:04 PM"),
		Duration:            req.Event.Duration,
		Location:            fallback(req.Event.Location, "the venue"),
		SpecialInstructions: meaningful(req.Event.SpecialInstructions),
		CulturalPreferences: meaningful(req.Event.CulturalPreferences),
		Deadline:            req.Event.Deadline().Format("Monday, January 2"),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// meaningful drops placeholder values hosts type into optional fields.
func meaningful(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "none") || strings.EqualFold(v, "n/a") {
		return ""
	}
	return strings.TrimSuffix(v, ".")
}
