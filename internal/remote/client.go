// Package remote talks to a camera over its HTTP command endpoint: control
// commands, the advertised menus and the polled live state.
package remote

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/focus"
)

// ErrRejected is returned when the camera answers a command with anything
// other than an ok result.
var ErrRejected = errors.New("camera rejected command")

const (
	defaultTimeout  = 5 * time.Second
	defaultRate     = 10
	defaultBurst    = 2
	maxReplyBytes   = 64 << 10
	commandEndpoint = "/cam.cgi"
)

// answer is any camrply document.
type answer interface {
	result() string
}

// reply is the camera's XML answer, e.g. <camrply><result>ok</result></camrply>.
type reply struct {
	XMLName xml.Name `xml:"camrply"`
	Result  string   `xml:"result"`
}

func (r *reply) result() string { return r.Result }

type setting struct {
	Text  string `xml:"text,attr"`
	Value string `xml:"value,attr"`
}

type focusBox struct {
	X1     int    `xml:"x1,attr"`
	Y1     int    `xml:"y1,attr"`
	X2     int    `xml:"x2,attr"`
	Y2     int    `xml:"y2,attr"`
	Type   string `xml:"type,attr"`
	Failed bool   `xml:"failed,attr"`
}

// menuReply answers mode=getinfo&type=allmenu.
type menuReply struct {
	XMLName xml.Name `xml:"camrply"`
	Result  string   `xml:"result"`
	MenuSet struct {
		Apertures     []setting `xml:"focal>item"`
		ShutterSpeeds []setting `xml:"shtrspeed>item"`
		IsoValues     []setting `xml:"iso>item"`
	} `xml:"menuset"`
}

func (r *menuReply) result() string { return r.Result }

// stateReply answers mode=getstate.
type stateReply struct {
	XMLName xml.Name `xml:"camrply"`
	Result  string   `xml:"result"`
	State   struct {
		Aperture setting `xml:"focal"`
		Shutter  setting `xml:"shtrspeed"`
		Iso      setting `xml:"iso"`
		Zoom     int     `xml:"zoom"`
		Focus    struct {
			Fixed bool       `xml:"fixed,attr"`
			Boxes []focusBox `xml:"box"`
		} `xml:"focus"`
	} `xml:"state"`
}

func (r *stateReply) result() string { return r.Result }

// Menus are the selectable control values the camera advertises.
type Menus struct {
	Apertures     []device.MenuItem
	ShutterSpeeds []device.MenuItem
	IsoValues     []device.MenuItem
}

// Status is the camera's live state: exposure readouts, zoom and the raw
// focus boxes of the current frame.
type Status struct {
	Aperture   device.Reading
	Shutter    device.Reading
	Iso        device.Reading
	Zoom       int
	FocusFixed bool
	Focus      []focus.Report
}

// Client implements device.Commander.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ device.Commander = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRate limits commands to r per second with the given burst.
func WithRate(r float64, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the camera at baseURL, e.g. "http://192.168.54.1".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse camera url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("camera url %q needs scheme and host", baseURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendMenuItem asks the camera to apply item.
func (c *Client) SendMenuItem(ctx context.Context, item device.MenuItem) error {
	if item.Command == "" {
		return fmt.Errorf("menu item %q has no command", item.Text)
	}
	return c.do(ctx, url.Values{
		"mode":  {"setsetting"},
		"type":  {item.Command},
		"value": {item.Value},
	})
}

// Capture triggers the shutter.
func (c *Client) Capture(ctx context.Context) error {
	return c.do(ctx, url.Values{"mode": {"camcmd"}, "value": {"capture"}})
}

// MenuSet fetches the aperture, shutter and iso values the camera offers.
func (c *Client) MenuSet(ctx context.Context) (Menus, error) {
	var r menuReply
	if err := c.call(ctx, url.Values{"mode": {"getinfo"}, "type": {"allmenu"}}, &r); err != nil {
		return Menus{}, err
	}
	return Menus{
		Apertures:     menuItems(device.CommandAperture, r.MenuSet.Apertures),
		ShutterSpeeds: menuItems(device.CommandShutter, r.MenuSet.ShutterSpeeds),
		IsoValues:     menuItems(device.CommandIso, r.MenuSet.IsoValues),
	}, nil
}

// Status polls the camera's live state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var r stateReply
	if err := c.call(ctx, url.Values{"mode": {"getstate"}}, &r); err != nil {
		return Status{}, err
	}
	st := r.State
	out := Status{
		Aperture:   device.Reading{Text: st.Aperture.Text, Value: st.Aperture.Value},
		Shutter:    device.Reading{Text: st.Shutter.Text, Value: st.Shutter.Value},
		Iso:        device.Reading{Text: st.Iso.Text, Value: st.Iso.Value},
		Zoom:       st.Zoom,
		FocusFixed: st.Focus.Fixed,
		Focus:      make([]focus.Report, 0, len(st.Focus.Boxes)),
	}
	for _, b := range st.Focus.Boxes {
		out.Focus = append(out.Focus, focus.Report{
			X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2,
			Type:   focus.ParseAreaType(b.Type),
			Failed: b.Failed,
		})
	}
	return out, nil
}

func menuItems(command string, settings []setting) []device.MenuItem {
	items := make([]device.MenuItem, 0, len(settings))
	for _, s := range settings {
		items = append(items, device.MenuItem{Text: s.Text, Command: command, Value: s.Value})
	}
	return items
}

func (c *Client) do(ctx context.Context, q url.Values) error {
	return c.call(ctx, q, &reply{})
}

// call sends q and decodes the camrply answer into out.
func (c *Client) call(ctx context.Context, q url.Values, out answer) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + commandEndpoint
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("command %s failed: %w", q.Get("mode"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: bad status %s", ErrRejected, resp.Status)
	}

	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: unreadable reply: %v", ErrRejected, err)
	}

	result := out.result()
	c.logger.Debug("camera command",
		zap.String("query", u.RawQuery),
		zap.String("result", result),
		zap.Duration("took", time.Since(start)))

	if !strings.EqualFold(strings.TrimSpace(result), "ok") {
		return fmt.Errorf("%w: %s", ErrRejected, result)
	}
	return nil
}
