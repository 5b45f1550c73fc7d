package ctd

import "encoding/json"

// appEntry is one WebOS app descriptor as assembled into APPS_CONFIG, per
// spec.md §4.6a.
type appEntry struct {
	ID              string         `json:"id"`
	Icon            string         `json:"icon"`
	Title           string         `json:"title"`
	Width           int            `json:"width,omitempty"`
	Height          int            `json:"height,omitempty"`
	Screen          string         `json:"screen"`
	Disabled        bool           `json:"disabled,omitempty"`
	Favourite       bool           `json:"favourite,omitempty"`
	DesktopShortcut bool           `json:"desktop_shortcut,omitempty"`
	LaunchOnStartup bool           `json:"launch_on_startup,omitempty"`
	Pages           []promptPage   `json:"pages,omitempty"`
	FlagSecretName  string         `json:"flagSecretName,omitempty"`
	Description     string         `json:"description,omitempty"`
}

type promptPage struct {
	Instructions string          `json:"instructions"`
	Questions    []promptQuestion `json:"questions"`
}

type promptQuestion struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Points      int    `json:"points"`
	Answer      string `json:"answer,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

const (
	defaultIcon   = "./icons/application.svg"
	defaultScreen = "displayChrome"
)

// BuildAppsConfig walks a CDF's components to synthesize the WebOS
// APPS_CONFIG JSON array described in spec.md §4.6a: one entry per
// webosApp component (with additional_config keys lifted to top level), and
// — if any question components exist — a synthetic "challenge-prompt" app
// prepended first.
func BuildAppsConfig(cdf CDF, flagSecretName string) (string, error) {
	apps := make([]any, 0, len(cdf.Components)+1)

	questions := questionsFrom(cdf.Components)
	if len(questions) > 0 {
		apps = append(apps, promptApp(cdf, questions, flagSecretName))
	}

	for _, c := range cdf.Components {
		if c.Kind != ComponentWebOSApp {
			continue
		}
		apps = append(apps, webOSAppEntry(c))
	}

	blob, err := json.Marshal(apps)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func questionsFrom(components []Component) []promptQuestion {
	questions := make([]promptQuestion, 0)
	for _, c := range components {
		if c.Kind != ComponentQuestion {
			continue
		}
		content := c.Prompt
		if content == "" {
			content = c.Text
		}
		q := promptQuestion{
			ID:          c.ID,
			Type:        c.QuestionType,
			Content:     content,
			Points:      c.Points,
			Explanation: c.Explanation,
		}
		if q.Type != "flag" {
			q.Answer = c.Answer
		}
		questions = append(questions, q)
	}
	return questions
}

func promptApp(cdf CDF, questions []promptQuestion, flagSecretName string) any {
	return map[string]any{
		"id":          "challenge-prompt",
		"icon":        defaultIcon,
		"title":       cdf.Metadata.Name,
		"description": cdf.Metadata.Description,
		"screen":      defaultScreen,
		"pages": []promptPage{{
			Instructions: cdf.Metadata.Description,
			Questions:    questions,
		}},
		"flagSecretName": flagSecretName,
	}
}

func webOSAppEntry(c Component) map[string]any {
	entry := map[string]any{
		"id":               c.ID,
		"icon":             orDefault(c.Icon, defaultIcon),
		"title":            orDefault(c.Title, c.ID),
		"screen":           orDefault(c.Screen, defaultScreen),
		"disabled":         c.Disabled,
		"favourite":        c.Favourite,
		"desktop_shortcut": c.DesktopShortcut,
		"launch_on_startup": c.LaunchOnStartup,
	}
	if c.Width > 0 {
		entry["width"] = c.Width
	}
	if c.Height > 0 {
		entry["height"] = c.Height
	}
	for k, v := range c.AdditionalConfig {
		entry[k] = v
	}
	return entry
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
