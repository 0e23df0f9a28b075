package pdf

import (
	"bytes"
	"context"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type UsageReportData struct {
	OrgName       string
	CustomerName  string
	CustomerEmail string
	GeneratedAt   string
	Period        string

	Items []UsageReportItem
}

type UsageReportItem struct {
	FeatureName string
	FeatureKey  string
	Kind        string
	Used        string
	Limit       string
	Remaining   string
	Status      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateUsageReport(ctx context.Context, data UsageReportData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(10,
		text.NewCol(12, "Usage Report", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Organization: "+data.OrgName, props.Text{Top: 0}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 4}),
			text.New("Period: "+data.Period, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Customer", props.Text{Style: fontstyle.Bold}),
			text.New(data.CustomerName, props.Text{Top: 5}),
			text.New(data.CustomerEmail, props.Text{Top: 9}),
		),
	)

	m.AddRow(10,
		text.NewCol(4, "Feature", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Kind", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Used", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Limit", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Remaining", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, item := range data.Items {
		name := item.FeatureName
		if name == "" {
			name = item.FeatureKey
		}
		m.AddRow(12,
			col.New(4).Add(
				text.New(name, props.Text{Size: 9}),
				text.New(item.FeatureKey, props.Text{Size: 7, Top: 4}),
			),
			text.NewCol(2, item.Kind, props.Text{Size: 9}),
			text.NewCol(2, item.Used, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Limit, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Remaining, props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
