package kms

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/smazurov/hwcomposer/pkg/drm"
)

const modeTypePreferred = 1 << 3

// Card is a Device backed by a kernel DRM node.
type Card struct {
	card       *drm.Card
	logger     *slog.Logger
	crtcs      []*Crtc
	connectors []*Connector
	planes     []*Plane
}

// OpenCard opens path and discovers every connected output. Displays are
// numbered in connector order.
func OpenCard(path string, logger *slog.Logger) (*Card, error) {
	dc, err := drm.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Card{card: dc, logger: logger}
	if err := c.discover(); err != nil {
		dc.Close()
		return nil, err
	}
	return c, nil
}

// DRM returns the underlying device node.
func (c *Card) DRM() *drm.Card { return c.card }

// Close closes the device node.
func (c *Card) Close() error { return c.card.Close() }

func (c *Card) discover() error {
	res, err := c.card.Resources()
	if err != nil {
		return err
	}

	allCrtcs := make([]*Crtc, len(res.Crtcs))
	for pipe, id := range res.Crtcs {
		props, err := c.card.ObjectProperties(id, drm.ObjectCRTC)
		if err != nil {
			return err
		}
		crtc := &Crtc{ID: id, Pipe: pipe, Display: -1}
		crtc.Props.Active = props["ACTIVE"].ID
		crtc.Props.ModeID = props["MODE_ID"].ID
		allCrtcs[pipe] = crtc
	}

	for _, connID := range res.Connectors {
		dc, err := c.card.Connector(connID)
		if err != nil {
			return err
		}
		if dc.Connection != drm.Connected || len(dc.Modes) == 0 {
			continue
		}
		crtc := c.pickCrtc(dc, allCrtcs)
		if crtc == nil {
			c.logger.Warn("No free crtc for connector", "connector", connID)
			continue
		}
		props, err := c.card.ObjectProperties(connID, drm.ObjectConnector)
		if err != nil {
			return err
		}

		display := len(c.connectors)
		crtc.Display = display
		conn := &Connector{ID: connID, Display: display}
		conn.Props.CrtcID = props["CRTC_ID"].ID
		conn.Props.DPMS = props["DPMS"].ID
		preferred := 0
		for i, info := range dc.Modes {
			conn.Modes = append(conn.Modes, Mode{Info: info})
			if info.Type&modeTypePreferred != 0 {
				preferred = i
			}
		}
		conn.SetActiveMode(conn.Modes[preferred])
		c.connectors = append(c.connectors, conn)
		c.crtcs = append(c.crtcs, crtc)
	}
	if len(c.connectors) == 0 {
		return errors.New("no connected outputs")
	}

	planeIDs, err := c.card.Planes()
	if err != nil {
		return err
	}
	for _, id := range planeIDs {
		p, err := c.card.Plane(id)
		if err != nil {
			return err
		}
		props, err := c.card.ObjectProperties(id, drm.ObjectPlane)
		if err != nil {
			return err
		}
		plane := &Plane{ID: id, PossibleCrtcs: p.PossibleCrtcs}
		switch props["type"].Value {
		case drm.PlaneTypePrimary:
			plane.Type = PlanePrimary
		case drm.PlaneTypeCursor:
			plane.Type = PlaneCursor
		default:
			plane.Type = PlaneOverlay
		}
		plane.Props = PlaneProps{
			CrtcID:   props["CRTC_ID"].ID,
			FbID:     props["FB_ID"].ID,
			CrtcX:    props["CRTC_X"].ID,
			CrtcY:    props["CRTC_Y"].ID,
			CrtcW:    props["CRTC_W"].ID,
			CrtcH:    props["CRTC_H"].ID,
			SrcX:     props["SRC_X"].ID,
			SrcY:     props["SRC_Y"].ID,
			SrcW:     props["SRC_W"].ID,
			SrcH:     props["SRC_H"].ID,
			Rotation: props["rotation"].ID,
			Alpha:    props["alpha"].ID,
		}
		c.planes = append(c.planes, plane)
	}

	c.logger.Info("Discovered DRM resources",
		"displays", len(c.connectors),
		"crtcs", len(allCrtcs),
		"planes", len(c.planes))
	return nil
}

// pickCrtc prefers the crtc the connector's encoder is already driving and
// falls back to the first unclaimed crtc the encoder can reach.
func (c *Card) pickCrtc(dc *drm.Connector, crtcs []*Crtc) *Crtc {
	encoders := dc.Encoders
	if dc.EncoderID != 0 {
		encoders = append([]uint32{dc.EncoderID}, encoders...)
	}
	for _, encID := range encoders {
		enc, err := c.card.Encoder(encID)
		if err != nil {
			continue
		}
		for _, crtc := range crtcs {
			if crtc.ID == enc.CrtcID && crtc.Display < 0 {
				return crtc
			}
		}
		for _, crtc := range crtcs {
			if enc.PossibleCrtcs&(1<<uint(crtc.Pipe)) != 0 && crtc.Display < 0 {
				return crtc
			}
		}
	}
	return nil
}

func (c *Card) Displays() []int {
	ids := make([]int, len(c.connectors))
	for i := range c.connectors {
		ids[i] = i
	}
	return ids
}

func (c *Card) Crtc(display int) *Crtc {
	if display < 0 || display >= len(c.crtcs) {
		return nil
	}
	return c.crtcs[display]
}

func (c *Card) Connector(display int) *Connector {
	if display < 0 || display >= len(c.connectors) {
		return nil
	}
	return c.connectors[display]
}

func (c *Card) Planes() []*Plane { return c.planes }

func (c *Card) AtomicCommit(req *AtomicRequest, flags uint32) error {
	return c.card.AtomicCommit(req.Props(), flags)
}

func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	return c.card.CreateBlob(data)
}

func (c *Card) DestroyPropertyBlob(id uint32) error {
	return c.card.DestroyBlob(id)
}

func (c *Card) SetConnectorProperty(connectorID, propertyID uint32, value uint64) error {
	if propertyID == 0 {
		return fmt.Errorf("connector %d: %w", connectorID, ErrNoProperty)
	}
	return c.card.SetObjectProperty(connectorID, drm.ObjectConnector, propertyID, value)
}
