package encoder

import (
	"context"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// PostFunc receives each frame posted to a Surface. The frame is a private
// copy the receiver may keep.
type PostFunc func(ctx context.Context, frame *image.RGBA) error

// Surface is an encoder input surface: a canvas the size of the configured
// video that callers draw into and then post to the encoder.
type Surface struct {
	mu       sync.Mutex
	canvas   *image.RGBA
	post     PostFunc
	posted   int64
	released bool
}

// NewSurface creates a width x height surface that hands posted frames to post.
func NewSurface(width, height int, post PostFunc) *Surface {
	return &Surface{
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
		post:   post,
	}
}

// Bounds returns the surface rectangle.
func (s *Surface) Bounds() image.Rectangle {
	return s.canvas.Bounds()
}

// Draw paints img onto the canvas at the origin. Images whose size differs
// from the surface are scaled to fit.
func (s *Surface) Draw(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSurfaceReleased
	}

	dst := s.canvas.Bounds()
	src := img.Bounds()
	if src.Dx() == dst.Dx() && src.Dy() == dst.Dy() {
		draw.Draw(s.canvas, dst, img, src.Min, draw.Src)
		return nil
	}
	draw.ApproxBiLinear.Scale(s.canvas, dst, img, src, draw.Src, nil)
	return nil
}

// Post submits the current canvas to the encoder.
func (s *Surface) Post(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSurfaceReleased
	}
	frame := image.NewRGBA(s.canvas.Bounds())
	copy(frame.Pix, s.canvas.Pix)
	s.posted++
	post := s.post
	s.mu.Unlock()

	if post == nil {
		return nil
	}
	return post(ctx, frame)
}

// Posted returns the number of frames posted so far.
func (s *Surface) Posted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted
}

// Release detaches the surface from its encoder.
func (s *Surface) Release() {
	s.mu.Lock()
	s.released = true
	s.post = nil
	s.mu.Unlock()
}
