package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/pkg/legisinfo"
)

// LegisInfoSource turns LEGISinfo bill events into raw documents. Each bill
// contributes one document per latest recorded event, so a bill advancing
// through readings produces a fresh document at every stage.
type LegisInfoSource struct {
	client  legisinfo.Client
	session string
}

func NewLegisInfoSource(client legisinfo.Client, session string) *LegisInfoSource {
	return &LegisInfoSource{client: client, session: session}
}

func (s *LegisInfoSource) Name() string { return "legisinfo" }

func (s *LegisInfoSource) Fetch(ctx context.Context) ([]model.RawDocument, error) {
	bills, err := s.client.FetchBills(ctx, s.session)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch bills")
	}

	docs := make([]model.RawDocument, 0, len(bills))
	for _, bill := range bills {
		if bill.NumberCode == "" || bill.LatestActivityEn == "" {
			continue
		}
		docs = append(docs, model.RawDocument{
			NaturalKey:  bill.NumberCode + "/" + bill.LatestActivityEn,
			Title:       fmt.Sprintf("Bill %s: %s", bill.NumberCode, billTitle(bill)),
			Body:        billBody(bill),
			URL:         fmt.Sprintf("https://www.parl.ca/legisinfo/en/bill/%s/%s", s.session, strings.ToLower(bill.NumberCode)),
			Session:     s.session,
			PublishedAt: bill.EventDate(),
		})
	}
	return docs, nil
}

func billTitle(bill legisinfo.Bill) string {
	if bill.ShortTitleEn != "" {
		return bill.ShortTitleEn
	}
	return bill.LongTitleEn
}

// billBody renders the bill event as prose for evidence extraction.
func billBody(bill legisinfo.Bill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bill %s (%s) reached the stage: %s.\n", bill.NumberCode, bill.LongTitleEn, bill.LatestActivityEn)
	if bill.StatusNameEn != "" {
		fmt.Fprintf(&b, "Current status: %s.\n", bill.StatusNameEn)
	}
	if bill.SponsorAffiliation != "" {
		fmt.Fprintf(&b, "Sponsor: %s.\n", bill.SponsorAffiliation)
	}
	if bill.IsGovernmentBill {
		b.WriteString("This is a government bill.\n")
	}
	if bill.PassedThirdReading {
		b.WriteString("The bill has passed third reading in the House.\n")
	}
	if bill.ReceivedRoyalAssent {
		b.WriteString("The bill has received royal assent.\n")
	}
	return b.String()
}
