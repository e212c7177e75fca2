// Package camera provides the camera paths that drive the ptex cache.
package camera

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// Lens holds the perspective projection shared by all cameras.
type Lens struct {
	FovY   float32 // Radians
	Aspect float32
	Near   float32
	Far    float32
}

// DefaultLens returns a 60 degree lens for the given viewport.
func DefaultLens(width, height int) Lens {
	aspect := float32(1)
	if height > 0 {
		aspect = float32(width) / float32(height)
	}
	return Lens{FovY: mgl32.DegToRad(60), Aspect: aspect, Near: 0.5, Far: 20000}
}

// Projection returns the projection matrix of the lens.
func (l Lens) Projection() mgl32.Mat4 {
	return mgl32.Perspective(l.FovY, l.Aspect, l.Near, l.Far)
}

// Path is a camera that advances one step per tick.
type Path interface {
	Step()
	Pose() ptex.CameraPose
}

// OrbitCamera orbits around a center point.
type OrbitCamera struct {
	Center mgl32.Vec3
	Lens   Lens

	// Spherical coordinates
	Distance  float32 // Distance from center
	RotationX float32 // Pitch (vertical angle, radians)
	RotationY float32 // Yaw (horizontal angle, radians)

	// Constraints
	MinDistance float32
	MaxDistance float32
	MinPitch    float32
	MaxPitch    float32

	// Per-step motion
	YawStep  float32
	ZoomStep float32 // Fraction of distance per step, sign gives direction
}

// NewOrbitCamera creates a new orbit camera with default settings.
func NewOrbitCamera(lens Lens) *OrbitCamera {
	return &OrbitCamera{
		Lens:        lens,
		Distance:    200.0,
		RotationX:   0.5,
		MinDistance: 50.0,
		MaxDistance: 5000.0,
		MinPitch:    0.1,
		MaxPitch:    1.5,
		YawStep:     0.01,
	}
}

// Position returns the camera position in world space.
func (c *OrbitCamera) Position() mgl32.Vec3 {
	pitch, yaw := float64(c.RotationX), float64(c.RotationY)
	offset := mgl32.Vec3{
		float32(math.Cos(pitch) * math.Sin(yaw)),
		float32(math.Sin(pitch)),
		float32(math.Cos(pitch) * math.Cos(yaw)),
	}
	return c.Center.Add(offset.Mul(c.Distance))
}

// ViewMatrix returns the view matrix for this camera.
func (c *OrbitCamera) ViewMatrix() mgl32.Mat4 {
	return mgl32.LookAtV(c.Position(), c.Center, mgl32.Vec3{0, 1, 0})
}

// Pose implements Path.
func (c *OrbitCamera) Pose() ptex.CameraPose {
	return ptex.CameraPose{View: c.ViewMatrix(), Projection: c.Lens.Projection()}
}

// Step implements Path: one yaw increment and an optional zoom that bounces
// between the distance limits.
func (c *OrbitCamera) Step() {
	c.RotationY += c.YawStep
	if c.ZoomStep == 0 {
		return
	}
	c.Distance += c.Distance * c.ZoomStep
	if c.Distance <= c.MinDistance || c.Distance >= c.MaxDistance {
		c.ZoomStep = -c.ZoomStep
	}
	c.Distance = mgl32.Clamp(c.Distance, c.MinDistance, c.MaxDistance)
}

// HandleDrag updates rotation based on a drag delta in radians.
func (c *OrbitCamera) HandleDrag(deltaYaw, deltaPitch float32) {
	c.RotationY -= deltaYaw
	c.RotationX = mgl32.Clamp(c.RotationX+deltaPitch, c.MinPitch, c.MaxPitch)
}

// FitToBounds centers the camera on a bounding box and backs off far enough
// to see most of it.
func (c *OrbitCamera) FitToBounds(lo, hi mgl32.Vec3) {
	c.Center = lo.Add(hi).Mul(0.5)
	size := max(hi.X()-lo.X(), hi.Z()-lo.Z())
	c.Distance = mgl32.Clamp(size*0.6, c.MinDistance, c.MaxDistance)
	c.RotationX = 0.6
	c.RotationY = 0
}

// FlyCamera flies through a closed loop of waypoints at a fixed height above
// them, looking along the direction of travel.
type FlyCamera struct {
	Lens      Lens
	Waypoints []mgl32.Vec3
	Height    float32
	Speed     float32 // World units per step

	segment  int
	progress float32 // Distance travelled along the current segment
}

// NewFlyCamera creates a flythrough over at least two waypoints.
func NewFlyCamera(lens Lens, waypoints []mgl32.Vec3, height, speed float32) (*FlyCamera, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("flythrough needs at least 2 waypoints, got %d", len(waypoints))
	}
	if speed <= 0 {
		return nil, fmt.Errorf("flythrough speed must be positive, got %v", speed)
	}
	return &FlyCamera{Lens: lens, Waypoints: waypoints, Height: height, Speed: speed}, nil
}

func (c *FlyCamera) leg() (from, to mgl32.Vec3) {
	from = c.Waypoints[c.segment]
	to = c.Waypoints[(c.segment+1)%len(c.Waypoints)]
	return from, to
}

// Position returns the current eye position.
func (c *FlyCamera) Position() mgl32.Vec3 {
	from, to := c.leg()
	dir := to.Sub(from)
	p := from
	if l := dir.Len(); l > 0 {
		p = from.Add(dir.Mul(c.progress / l))
	}
	return p.Add(mgl32.Vec3{0, c.Height, 0})
}

// Step implements Path.
func (c *FlyCamera) Step() {
	c.progress += c.Speed
	for {
		from, to := c.leg()
		l := to.Sub(from).Len()
		if c.progress < l {
			return
		}
		c.progress -= l
		c.segment = (c.segment + 1) % len(c.Waypoints)
	}
}

// Pose implements Path.
func (c *FlyCamera) Pose() ptex.CameraPose {
	from, to := c.leg()
	eye := c.Position()
	dir := to.Sub(from)
	dir[1] = 0
	if dir.Len() == 0 {
		dir = mgl32.Vec3{0, 0, -1}
	}
	// Look slightly down at the terrain ahead.
	target := eye.Add(dir.Normalize().Mul(100)).Sub(mgl32.Vec3{0, c.Height * 0.5, 0})
	return ptex.CameraPose{
		View:       mgl32.LookAtV(eye, target, mgl32.Vec3{0, 1, 0}),
		Projection: c.Lens.Projection(),
	}
}
