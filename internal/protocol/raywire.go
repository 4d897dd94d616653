package protocol

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/rayctl/internal/render"
)

// SendRays and FinishedRays payloads are streams of length-prefixed
// records inside one message. A SendRays record is a TLV-encoded
// RayState; a FinishedRays record is a fixed-width binary sample of
// finishedSampleLen bytes.

const recordPrefixLen = 4

// AppendRecord appends one length-prefixed record to buf.
func AppendRecord(buf, record []byte) []byte {
	var prefix [recordPrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(record)))
	buf = append(buf, prefix[:]...)
	return append(buf, record...)
}

// RecordLen returns the on-wire size of one record including its prefix.
func RecordLen(record []byte) int {
	return recordPrefixLen + len(record)
}

// ReadRecords splits a record stream, calling fn for each record.
func ReadRecords(payload []byte, fn func(record []byte) error) error {
	for i := 0; i < len(payload); {
		if len(payload)-i < recordPrefixLen {
			return ErrTruncated
		}
		l := binary.BigEndian.Uint32(payload[i : i+recordPrefixLen])
		i += recordPrefixLen
		if uint32(len(payload)-i) < l {
			return ErrTruncated
		}
		if err := fn(payload[i : i+int(l)]); err != nil {
			return err
		}
		i += int(l)
	}
	return nil
}

// RayState record field numbers.
const (
	rayFieldSampleID  = 1
	rayFieldSampleNum = 2
	rayFieldPixel     = 3
	rayFieldPFilm     = 4
	rayFieldWeight    = 5
	rayFieldOrigin    = 6
	rayFieldDir       = 7
	rayFieldTMax      = 8
	rayFieldToVisit   = 9
	rayFieldHit       = 10
	rayFieldBeta      = 11
	rayFieldLd        = 12
	rayFieldBounces   = 13
	rayFieldRemaining = 14
	rayFieldShadow    = 15
)

const visitEntryLen = 12

func encodeVec3(v render.Vec3) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:], math.Float64bits(v.X))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(v.Y))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(v.Z))
	return buf
}

func decodeVec3(b []byte) (render.Vec3, error) {
	if len(b) != 24 {
		return render.Vec3{}, ErrInvalidLength
	}
	return render.Vec3{
		X: math.Float64frombits(binary.BigEndian.Uint64(b[0:])),
		Y: math.Float64frombits(binary.BigEndian.Uint64(b[8:])),
		Z: math.Float64frombits(binary.BigEndian.Uint64(b[16:])),
	}, nil
}

func encodeRGB(c render.RGB) []byte {
	return encodeVec3(render.Vec3{X: c.R, Y: c.G, Z: c.B})
}

func decodeRGB(b []byte) (render.RGB, error) {
	v, err := decodeVec3(b)
	if err != nil {
		return render.RGB{}, err
	}
	return render.RGB{R: v.X, G: v.Y, B: v.Z}, nil
}

// EncodeRayState serializes one ray into a TLV record.
func EncodeRayState(r *render.RayState) []byte {
	pixel := make([]byte, 8)
	binary.BigEndian.PutUint32(pixel[0:], uint32(r.Sample.Pixel.X))
	binary.BigEndian.PutUint32(pixel[4:], uint32(r.Sample.Pixel.Y))

	pFilm := make([]byte, 16)
	binary.BigEndian.PutUint64(pFilm[0:], math.Float64bits(r.Sample.PFilm.X))
	binary.BigEndian.PutUint64(pFilm[8:], math.Float64bits(r.Sample.PFilm.Y))

	visits := make([]byte, 0, visitEntryLen*len(r.ToVisit))
	for _, v := range r.ToVisit {
		var entry [visitEntryLen]byte
		binary.BigEndian.PutUint32(entry[0:], uint32(v.Treelet))
		binary.BigEndian.PutUint32(entry[4:], v.Node)
		binary.BigEndian.PutUint32(entry[8:], v.Transform)
		visits = append(visits, entry[:]...)
	}

	fields := []Field{
		Uint64Field(rayFieldSampleID, r.Sample.ID),
		Uint32Field(rayFieldSampleNum, r.Sample.Num),
		BytesField(rayFieldPixel, pixel),
		BytesField(rayFieldPFilm, pFilm),
		Float64Field(rayFieldWeight, r.Sample.Weight),
		BytesField(rayFieldOrigin, encodeVec3(r.Ray.Origin)),
		BytesField(rayFieldDir, encodeVec3(r.Ray.Dir)),
		Float64Field(rayFieldTMax, r.Ray.TMax),
		BytesField(rayFieldToVisit, visits),
		BytesField(rayFieldBeta, encodeRGB(r.Beta)),
		BytesField(rayFieldLd, encodeRGB(r.Ld)),
		Uint32Field(rayFieldBounces, r.Bounces),
		Uint32Field(rayFieldRemaining, r.RemainingBounces),
		BoolField(rayFieldShadow, r.IsShadowRay),
	}
	if r.HasHit {
		var hit [visitEntryLen]byte
		binary.BigEndian.PutUint32(hit[0:], uint32(r.Hit.Treelet))
		binary.BigEndian.PutUint32(hit[4:], r.Hit.Node)
		binary.BigEndian.PutUint32(hit[8:], r.Hit.Transform)
		fields = append(fields, BytesField(rayFieldHit, hit[:]))
	}
	return EncodeFields(fields)
}

// DecodeRayState inverts EncodeRayState.
func DecodeRayState(record []byte) (render.RayState, error) {
	fields, err := DecodeFields(record)
	if err != nil {
		return render.RayState{}, err
	}

	var r render.RayState

	f, err := requireField(fields, rayFieldSampleID)
	if err != nil {
		return render.RayState{}, err
	}
	if r.Sample.ID, err = f.Uint64(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldSampleNum)
	if err != nil {
		return render.RayState{}, err
	}
	if r.Sample.Num, err = f.Uint32(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldPixel)
	if err != nil {
		return render.RayState{}, err
	}
	pixel, err := f.Bytes()
	if err != nil {
		return render.RayState{}, err
	}
	if len(pixel) != 8 {
		return render.RayState{}, ErrInvalidLength
	}
	r.Sample.Pixel = render.Point2i{
		X: int32(binary.BigEndian.Uint32(pixel[0:])),
		Y: int32(binary.BigEndian.Uint32(pixel[4:])),
	}

	f, err = requireField(fields, rayFieldPFilm)
	if err != nil {
		return render.RayState{}, err
	}
	pFilm, err := f.Bytes()
	if err != nil {
		return render.RayState{}, err
	}
	if len(pFilm) != 16 {
		return render.RayState{}, ErrInvalidLength
	}
	r.Sample.PFilm = render.Point2f{
		X: math.Float64frombits(binary.BigEndian.Uint64(pFilm[0:])),
		Y: math.Float64frombits(binary.BigEndian.Uint64(pFilm[8:])),
	}

	f, err = requireField(fields, rayFieldWeight)
	if err != nil {
		return render.RayState{}, err
	}
	if r.Sample.Weight, err = f.Float64(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldOrigin)
	if err != nil {
		return render.RayState{}, err
	}
	raw, err := f.Bytes()
	if err != nil {
		return render.RayState{}, err
	}
	if r.Ray.Origin, err = decodeVec3(raw); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldDir)
	if err != nil {
		return render.RayState{}, err
	}
	if raw, err = f.Bytes(); err != nil {
		return render.RayState{}, err
	}
	if r.Ray.Dir, err = decodeVec3(raw); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldTMax)
	if err != nil {
		return render.RayState{}, err
	}
	if r.Ray.TMax, err = f.Float64(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldToVisit)
	if err != nil {
		return render.RayState{}, err
	}
	if raw, err = f.Bytes(); err != nil {
		return render.RayState{}, err
	}
	if len(raw)%visitEntryLen != 0 {
		return render.RayState{}, ErrInvalidLength
	}
	for i := 0; i < len(raw); i += visitEntryLen {
		r.ToVisit = append(r.ToVisit, render.TreeletVisit{
			Treelet:   render.TreeletID(binary.BigEndian.Uint32(raw[i:])),
			Node:      binary.BigEndian.Uint32(raw[i+4:]),
			Transform: binary.BigEndian.Uint32(raw[i+8:]),
		})
	}

	if f, ok := GetField(fields, rayFieldHit); ok {
		hit, err := f.Bytes()
		if err != nil {
			return render.RayState{}, err
		}
		if len(hit) != visitEntryLen {
			return render.RayState{}, ErrInvalidLength
		}
		r.SetHit(render.HitPoint{
			Treelet:   render.TreeletID(binary.BigEndian.Uint32(hit[0:])),
			Node:      binary.BigEndian.Uint32(hit[4:]),
			Transform: binary.BigEndian.Uint32(hit[8:]),
		})
	}

	f, err = requireField(fields, rayFieldBeta)
	if err != nil {
		return render.RayState{}, err
	}
	if raw, err = f.Bytes(); err != nil {
		return render.RayState{}, err
	}
	if r.Beta, err = decodeRGB(raw); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldLd)
	if err != nil {
		return render.RayState{}, err
	}
	if raw, err = f.Bytes(); err != nil {
		return render.RayState{}, err
	}
	if r.Ld, err = decodeRGB(raw); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldBounces)
	if err != nil {
		return render.RayState{}, err
	}
	if r.Bounces, err = f.Uint32(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldRemaining)
	if err != nil {
		return render.RayState{}, err
	}
	if r.RemainingBounces, err = f.Uint32(); err != nil {
		return render.RayState{}, err
	}

	f, err = requireField(fields, rayFieldShadow)
	if err != nil {
		return render.RayState{}, err
	}
	if r.IsShadowRay, err = f.Bool(); err != nil {
		return render.RayState{}, err
	}

	return r, nil
}

// FinishedSample record layout: sample id, film position, radiance,
// weight. Fixed-width, no TLV, since the master stream-decodes these
// in bulk.
const finishedSampleLen = 8 + 16 + 24 + 8

// EncodeFinishedSample serializes one film contribution.
func EncodeFinishedSample(s render.FinishedSample) []byte {
	buf := make([]byte, finishedSampleLen)
	binary.BigEndian.PutUint64(buf[0:], s.SampleID)
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(s.PFilm.X))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(s.PFilm.Y))
	binary.BigEndian.PutUint64(buf[24:], math.Float64bits(s.L.R))
	binary.BigEndian.PutUint64(buf[32:], math.Float64bits(s.L.G))
	binary.BigEndian.PutUint64(buf[40:], math.Float64bits(s.L.B))
	binary.BigEndian.PutUint64(buf[48:], math.Float64bits(s.Weight))
	return buf
}

// DecodeFinishedSample inverts EncodeFinishedSample.
func DecodeFinishedSample(record []byte) (render.FinishedSample, error) {
	if len(record) != finishedSampleLen {
		return render.FinishedSample{}, ErrInvalidLength
	}
	return render.FinishedSample{
		SampleID: binary.BigEndian.Uint64(record[0:]),
		PFilm: render.Point2f{
			X: math.Float64frombits(binary.BigEndian.Uint64(record[8:])),
			Y: math.Float64frombits(binary.BigEndian.Uint64(record[16:])),
		},
		L: render.RGB{
			R: math.Float64frombits(binary.BigEndian.Uint64(record[24:])),
			G: math.Float64frombits(binary.BigEndian.Uint64(record[32:])),
			B: math.Float64frombits(binary.BigEndian.Uint64(record[40:])),
		},
		Weight: math.Float64frombits(binary.BigEndian.Uint64(record[48:])),
	}, nil
}
