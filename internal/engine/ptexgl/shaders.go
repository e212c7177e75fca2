package ptexgl

// Work group edge of the bake shader.
const bakeGroupSize = 8

// SSBO bindings shared by the bake shader and the renderer.
const (
	bindingQuads   = 0
	bindingStaging = 1
	bindingJobs    = 2
	bindingParams  = 3
)

// bakeShader writes one tile per job into the bound texture array. Each
// tile occupies uComponents consecutive layers starting at the base layer of
// the patch's staged assignment record.
const bakeShader = `#version 430 core
layout(local_size_x = 8, local_size_y = 8, local_size_z = 1) in;

struct Quad { vec4 c[4]; };
struct Record { ivec4 neighbors; uint tag; int array; int base; int pad; };

layout(std430, binding = 0) readonly buffer Quads { Quad quads[]; };
layout(std430, binding = 1) readonly buffer Staging { Record staged[]; };
layout(std430, binding = 2) readonly buffer Jobs { uint jobs[]; };

layout(rgba8, binding = 0) uniform writeonly image2DArray uTiles;

uniform int uResolution;
uniform int uComponents;
uniform int uJobCount;

float hash(vec2 p) {
    return fract(sin(dot(p, vec2(127.1, 311.7))) * 43758.5453);
}

float noise(vec2 p) {
    vec2 i = floor(p);
    vec2 f = fract(p);
    vec2 u = f * f * (3.0 - 2.0 * f);
    return mix(mix(hash(i), hash(i + vec2(1.0, 0.0)), u.x),
               mix(hash(i + vec2(0.0, 1.0)), hash(i + vec2(1.0, 1.0)), u.x), u.y);
}

vec4 material(vec3 p, vec3 n, int layer) {
    float detail = noise(p.xz * 0.25) * 0.5 + noise(p.xz * 1.7) * 0.25;
    float slope = 1.0 - clamp(n.y, 0.0, 1.0);
    if (layer == 0) {
        vec3 grass = vec3(0.24, 0.38, 0.12);
        vec3 rock = vec3(0.42, 0.40, 0.37);
        return vec4(mix(grass, rock, smoothstep(0.25, 0.6, slope + detail * 0.3)), 1.0);
    }
    if (layer == 1) {
        return vec4(n * 0.5 + 0.5, 1.0);
    }
    if (layer == 2) {
        return vec4(mix(0.9, 0.6, slope), fract(p.y * 0.01), detail, 1.0);
    }
    return vec4(vec3(detail), 1.0);
}

void main() {
    int job = int(gl_GlobalInvocationID.z);
    ivec2 texel = ivec2(gl_GlobalInvocationID.xy);
    if (job >= uJobCount || texel.x >= uResolution || texel.y >= uResolution) {
        return;
    }

    uint quad = jobs[job];
    Quad q = quads[quad];
    vec2 uv = (vec2(texel) + 0.5) / float(uResolution);
    vec3 p = mix(mix(q.c[0].xyz, q.c[1].xyz, uv.x), mix(q.c[3].xyz, q.c[2].xyz, uv.x), uv.y);
    vec3 n = normalize(cross(q.c[3].xyz - q.c[0].xyz, q.c[1].xyz - q.c[0].xyz));

    int base = staged[quad].base;
    for (int c = 0; c < uComponents; c++) {
        imageStore(uTiles, ivec3(texel, base + c), material(p, n, c));
    }
}
`
