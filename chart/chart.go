package chart

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Output file names, written to Options.OutDir.
const (
	ThroughputFile        = "gflops.png"
	SpeedupTimeFile       = "speedup_time.png"
	SpeedupThroughputFile = "speedup_gflops.png"
)

const (
	defaultWidthInches  = 8
	defaultHeightInches = 5
)

// Options controls rendering.
type Options struct {
	OutDir string
	// Baseline draws a horizontal reference line at this GFLOP/s on the
	// throughput chart. Zero or negative omits it.
	Baseline float64
	Width    vg.Length
	Height   vg.Length
}

func (o Options) withDefaults() Options {
	if o.OutDir == "" {
		o.OutDir = "."
	}
	if o.Width <= 0 {
		o.Width = defaultWidthInches * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = defaultHeightInches * vg.Inch
	}

	return o
}

// view is one chart: a title, a y label and how to get y values from a
// series.
type view struct {
	file   string
	title  string
	ylabel string
	values func(Series) []float64
}

var views = []view{
	{ThroughputFile, "GFLOP/s per thread", "GFLOP/s", Throughput},
	{SpeedupTimeFile, "Speedup (time)", "Speedup", SpeedupFromTime},
	{SpeedupThroughputFile, "Speedup (GFLOP/s)", "Speedup", SpeedupFromThroughput},
}

// Render writes the throughput and both speedup charts for series and
// returns the files written.
func Render(series []Series, opts Options) ([]string, error) {
	if len(series) == 0 {
		return nil, errors.New("render: no series")
	}
	for _, s := range series {
		if len(s.Points) == 0 {
			return nil, fmt.Errorf("render %s: %w", s.Name, ErrEmptySeries)
		}
	}

	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	files := make([]string, 0, len(views))
	for _, v := range views {
		baseline := 0.0
		if v.file == ThroughputFile {
			baseline = opts.Baseline
		}

		p, err := newPlot(series, v, baseline)
		if err != nil {
			return files, err
		}

		file := filepath.Join(opts.OutDir, v.file)
		if err := p.Save(opts.Width, opts.Height, file); err != nil {
			return files, fmt.Errorf("save %s: %w", file, err)
		}
		files = append(files, file)
	}

	return files, nil
}

func newPlot(series []Series, v view, baseline float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = v.title
	p.X.Label.Text = "Threads"
	p.Y.Label.Text = v.ylabel
	p.Legend.Top = true
	p.Legend.Left = true

	grid := plotter.NewGrid()
	grid.Vertical.Color = nil
	p.Add(grid)

	minX, maxX := math.Inf(1), math.Inf(-1)
	for i, s := range series {
		ys := v.values(s)
		pts := make(plotter.XYs, len(s.Points))
		for j, pt := range s.Points {
			pts[j].X = float64(pt.Threads)
			pts[j].Y = ys[j]
			minX = math.Min(minX, pts[j].X)
			maxX = math.Max(maxX, pts[j].X)
		}

		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", v.file, s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		points.Color = plotutil.Color(i)
		points.Shape = draw.CircleGlyph{}

		p.Add(line, points)
		p.Legend.Add(s.Name, line, points)
	}

	if baseline > 0 {
		ref, err := plotter.NewLine(plotter.XYs{{X: minX, Y: baseline}, {X: maxX, Y: baseline}})
		if err != nil {
			return nil, fmt.Errorf("%s: baseline: %w", v.file, err)
		}
		ref.Color = color.Gray{Y: 0x60}
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(ref)
		p.Legend.Add(fmt.Sprintf("baseline %g GFLOP/s", baseline), ref)
	}

	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = threadTicks(series[0])
	if p.X.Min == p.X.Max {
		p.X.Min /= 2
		p.X.Max *= 2
	}

	p.Y.Min = 0
	if p.Y.Max <= 0 {
		p.Y.Max = 1
	}

	return p, nil
}

// threadTicks labels the x axis at exactly the thread counts of s.
func threadTicks(s Series) plot.ConstantTicks {
	ticks := make([]plot.Tick, len(s.Points))
	for i, pt := range s.Points {
		ticks[i] = plot.Tick{Value: float64(pt.Threads), Label: strconv.Itoa(pt.Threads)}
	}

	return ticks
}
