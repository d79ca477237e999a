package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
)

// Interstitial is a known block-page signature and the clicks that get past it.
// A signature matches when its text occurs in the document or its selector
// matches a node.
type Interstitial struct {
	Name     string        `mapstructure:"name" json:"name"`
	Text     string        `mapstructure:"text" json:"text,omitempty"`
	Selector string        `mapstructure:"selector" json:"selector,omitempty"`
	Click    []string      `mapstructure:"click" json:"click"`
	Wait     time.Duration `mapstructure:"wait" json:"wait"`
}

// DefaultInterstitials returns the bundled signatures.
func DefaultInterstitials() []Interstitial {
	return []Interstitial{
		{
			Name:  "bitdefender-endpoint",
			Text:  "Bitdefender Endpoint Security Tools 阻止了这个页面",
			Click: []string{"#takeMeThere a"},
			Wait:  5 * time.Second,
		},
		{
			Name:     "chrome-privacy-error",
			Selector: "#details-button",
			Text:     "Your connection is not private",
			Click:    []string{"#details-button", "#proceed-link"},
			Wait:     5 * time.Second,
		},
	}
}

// DetectInterstitial reports the first signature matching html.
func DetectInterstitial(html string, sigs []Interstitial) (Interstitial, bool) {
	if len(sigs) == 0 || html == "" {
		return Interstitial{}, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Interstitial{}, false
	}
	text := doc.Text()
	for _, sig := range sigs {
		if sig.Selector != "" && doc.Find(sig.Selector).Length() > 0 {
			return sig, true
		}
		if sig.Text != "" && strings.Contains(text, sig.Text) {
			return sig, true
		}
	}
	return Interstitial{}, false
}

// HasRootNode reports whether selector matches a node with content.
func HasRootNode(html, selector string) bool {
	if html == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return false
	}
	return sel.Children().Length() > 0 || strings.TrimSpace(sel.Text()) != ""
}

// BypassScript clicks every present selector of sig in order and evaluates to
// true when at least one click happened.
func BypassScript(sig Interstitial) string {
	return fmt.Sprintf(`(() => {
	let clicked = false;
	for (const s of %s) {
		const el = document.querySelector(s);
		if (el) { el.click(); clicked = true; }
	}
	return clicked;
})()`, jsArray(sig.Click))
}

// ProbeScript checks every signature against the live document and runs the
// first matching bypass. It evaluates to the matched name or "".
func ProbeScript(sigs []Interstitial) string {
	var b strings.Builder
	b.WriteString("(() => {\n\tconst text = document.body ? document.body.innerText : '';\n")
	for _, sig := range sigs {
		var conds []string
		if sig.Text != "" {
			conds = append(conds, fmt.Sprintf("text.includes(%s)", jsString(sig.Text)))
		}
		if sig.Selector != "" {
			conds = append(conds, fmt.Sprintf("document.querySelector(%s) !== null", jsString(sig.Selector)))
		}
		if len(conds) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\tif (%s) {\n", strings.Join(conds, " || "))
		fmt.Fprintf(&b, "\t\tfor (const s of %s) { const el = document.querySelector(s); if (el) el.click(); }\n",
			jsArray(sig.Click))
		fmt.Fprintf(&b, "\t\treturn %s;\n\t}\n", jsString(sig.Name))
	}
	b.WriteString("\treturn '';\n})()")
	return b.String()
}

func jsString(s string) string {
	out, err := jsoniter.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}

func jsArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	out, err := jsoniter.MarshalToString(items)
	if err != nil {
		return "[]"
	}
	return out
}
