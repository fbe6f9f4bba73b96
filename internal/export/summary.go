package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/nugget/wanderplan/internal/trip"
)

// Options controls summary rendering.
type Options struct {
	// Currency is the ISO code amounts are labelled with. Default USD.
	Currency string
	// Language selects number formatting. Default English.
	Language language.Tag
	// ShareURL, when set, is linked at the bottom of the summary.
	ShareURL string
}

func (o Options) printer() *message.Printer {
	tag := o.Language
	if tag == language.Und {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// Money formats an amount with grouping for the options' language.
func (o Options) Money(v float64) string {
	code := o.Currency
	if code == "" {
		code = "USD"
	}
	n := o.printer().Sprintf("%.2f", v)
	if code == "USD" {
		return "$" + n
	}
	return n + " " + code
}

// Markdown renders a human-readable trip summary.
func Markdown(t trip.Trip, opts Options) string {
	var b strings.Builder

	title := t.Destination
	if title == "" {
		title = "Untitled trip"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if t.StartDate != "" || t.EndDate != "" {
		fmt.Fprintf(&b, "**Dates:** %s to %s", orDash(t.StartDate), orDash(t.EndDate))
		if t.Duration != "" {
			fmt.Fprintf(&b, " (%s)", t.Duration)
		}
		b.WriteString("\n\n")
	}

	if len(t.FlightGroups) > 0 {
		b.WriteString("## Flights\n\n")
		for _, g := range t.FlightGroups {
			fmt.Fprintf(&b, "### %s (%s)\n\n", orDash(g.Description), opts.Money(g.TotalPrice))
			for _, f := range g.Flights {
				fmt.Fprintf(&b, "- %s: departs %s, arrives %s\n", flightTitle(f), f.DepartureTime, f.ArrivalTime)
			}
			if g.LayoverTime != "" {
				fmt.Fprintf(&b, "- Layover: %s\n", g.LayoverTime)
			}
			b.WriteString("\n")
		}
	}

	if len(t.Hotels) > 0 {
		b.WriteString("## Hotels\n\n")
		for _, h := range t.Hotels {
			fmt.Fprintf(&b, "- **%s**", h.Name)
			if h.Location != "" {
				fmt.Fprintf(&b, ", %s", h.Location)
			}
			fmt.Fprintf(&b, ": %d nights, %s\n", h.Nights, opts.Money(h.TotalPrice))
		}
		b.WriteString("\n")
	}

	if len(t.Restaurants) > 0 {
		b.WriteString("## Restaurants\n\n")
		for _, r := range t.Restaurants {
			fmt.Fprintf(&b, "- **%s**", r.Name)
			if r.Type != "" {
				fmt.Fprintf(&b, " (%s)", r.Type)
			}
			if r.PriceRange != "" {
				fmt.Fprintf(&b, " %s", r.PriceRange)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(t.Activities) > 0 {
		b.WriteString("## Activities\n\n")
		for _, a := range t.Activities {
			fmt.Fprintf(&b, "- **%s**: %s\n", a.Name, opts.Money(a.Price))
		}
		b.WriteString("\n")
	}

	if len(t.Itinerary) > 0 {
		b.WriteString("## Itinerary\n\n")
		for _, d := range t.Itinerary {
			fmt.Fprintf(&b, "### Day %d: %s\n\n", d.Day, d.Title)
			for _, a := range d.Activities {
				fmt.Fprintf(&b, "- %s\n", a)
			}
			b.WriteString("\n")
		}
	}

	c := t.Cost()
	b.WriteString("## Cost\n\n| Item | Amount |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Flights | %s |\n", opts.Money(c.Flights))
	fmt.Fprintf(&b, "| Hotels | %s |\n", opts.Money(c.Hotels))
	fmt.Fprintf(&b, "| Activities | %s |\n", opts.Money(c.Activities))
	fmt.Fprintf(&b, "| Meals (estimated) | %s |\n", opts.Money(c.Meals))
	fmt.Fprintf(&b, "| **Total** | **%s** |\n", opts.Money(c.Total))

	if opts.ShareURL != "" {
		fmt.Fprintf(&b, "\n[View this trip](%s)\n", opts.ShareURL)
	}
	return b.String()
}

// markdown renders GFM so the cost table comes out as a table.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders the Markdown summary as a standalone HTML page.
func HTML(t trip.Trip, opts Options) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(t, opts)), &buf); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; line-height: 1.5; max-width: 48rem; margin: auto;">
%s
</body></html>`, html.EscapeString(orDefault(t.Destination, "Trip")), buf.String()), nil
}

func orDash(s string) string { return orDefault(s, "?") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
