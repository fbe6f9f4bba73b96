// Package export renders trips for people rather than models: an
// iCalendar file of flights, hotel stays and itinerary days, a Markdown
// or HTML summary with the cost breakdown, and a QR code that points at
// a shared trip.
package export
