package terrain

import (
	"fmt"
	"math"
)

// NoiseConfig shapes a generated heightmap.
type NoiseConfig struct {
	Seed        int64
	Amplitude   float32 // Peak height in world units
	Wavelength  float32 // World units per base noise cell
	Octaves     int
	Persistence float64 // Amplitude factor per octave
	Lacunarity  float64 // Frequency factor per octave
}

// DefaultNoise returns rolling hills suited to 32 unit tiles.
func DefaultNoise(seed int64) NoiseConfig {
	return NoiseConfig{
		Seed:        seed,
		Amplitude:   180,
		Wavelength:  640,
		Octaves:     5,
		Persistence: 0.5,
		Lacunarity:  2,
	}
}

// Generate builds a heightmap of tilesX x tilesZ tiles from fractal value
// noise. Offsets place the brick in a larger landscape so adjacent bricks
// share their edge altitudes.
func Generate(tilesX, tilesZ int, tileZoom float32, offsetX, offsetZ float32, cfg NoiseConfig) (*Heightmap, error) {
	if tilesX < 1 || tilesZ < 1 {
		return nil, fmt.Errorf("heightmap needs at least one tile, got %dx%d", tilesX, tilesZ)
	}
	if tileZoom <= 0 || cfg.Wavelength <= 0 {
		return nil, fmt.Errorf("tile size and wavelength must be positive, got %v and %v", tileZoom, cfg.Wavelength)
	}

	altitudes := make([][]float32, tilesX+1)
	for x := range altitudes {
		altitudes[x] = make([]float32, tilesZ+1)
		for z := range altitudes[x] {
			wx := offsetX + float32(x)*tileZoom
			wz := offsetZ + float32(z)*tileZoom
			n := octaveNoise(float64(wx/cfg.Wavelength), float64(wz/cfg.Wavelength), cfg)
			altitudes[x][z] = cfg.Amplitude * float32(n)
		}
	}
	return &Heightmap{Altitudes: altitudes, TilesX: tilesX, TilesZ: tilesZ, TileZoom: tileZoom}, nil
}

// HeightAt returns the bilinearly interpolated altitude at a position
// relative to the heightmap origin, clamped to the grid.
func (h *Heightmap) HeightAt(x, z float32) float32 {
	fx := clampf(x/h.TileZoom, 0, float32(h.TilesX))
	fz := clampf(z/h.TileZoom, 0, float32(h.TilesZ))

	cx := min(int(fx), h.TilesX-1)
	cz := min(int(fz), h.TilesZ-1)
	tx := fx - float32(cx)
	tz := fz - float32(cz)

	front := h.Altitudes[cx][cz]*(1-tx) + h.Altitudes[cx+1][cz]*tx
	back := h.Altitudes[cx][cz+1]*(1-tx) + h.Altitudes[cx+1][cz+1]*tx
	return front*(1-tz) + back*tz
}

// Size returns the world extent of the heightmap on X and Z.
func (h *Heightmap) Size() (float32, float32) {
	return float32(h.TilesX) * h.TileZoom, float32(h.TilesZ) * h.TileZoom
}

// octaveNoise sums octaves of value noise, normalised to [0, 1].
func octaveNoise(x, z float64, cfg NoiseConfig) float64 {
	amplitude, frequency := 1.0, 1.0
	var sum, norm float64
	for i := range cfg.Octaves {
		sum += amplitude * valueNoise(x*frequency, z*frequency, cfg.Seed+int64(i)*131)
		norm += amplitude
		amplitude *= cfg.Persistence
		frequency *= cfg.Lacunarity
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

func valueNoise(x, z float64, seed int64) float64 {
	x0, z0 := math.Floor(x), math.Floor(z)
	fx, fz := fade(x-x0), fade(z-z0)
	ix, iz := int64(x0), int64(z0)

	front := lerp(lattice(ix, iz, seed), lattice(ix+1, iz, seed), fx)
	back := lerp(lattice(ix, iz+1, seed), lattice(ix+1, iz+1, seed), fx)
	return lerp(front, back, fz)
}

// lattice maps a grid point to [0, 1] with a SplitMix64 style hash.
func lattice(x, z, seed int64) float64 {
	v := uint64(x) + uint64(z)<<1 + uint64(seed)*0x9E3779B97F4A7C15
	v += 0x9E3779B97F4A7C15
	v = (v ^ v>>30) * 0xBF58476D1CE4E5B9
	v = (v ^ v>>27) * 0x94D049BB133111EB
	v ^= v >> 31
	return float64(v&0xFFFFFFFF) / float64(0xFFFFFFFF)
}

// fade is the quintic 6t^5 - 15t^4 + 10t^3.
func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
