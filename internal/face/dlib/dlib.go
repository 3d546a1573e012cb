// Package dlib implements face.Detector and face.Embedder with go-face, which
// wraps dlib's HOG detector, 5-point shape predictor and ResNet descriptor
// model. It needs cgo and the dlib libraries at build time plus the model
// files at run time.
package dlib

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	goface "github.com/Kagami/go-face"

	"github.com/example/idverify/internal/face"
)

// Recognizer serialises access to one go-face recognizer. The underlying
// dlib objects are not safe for concurrent use.
type Recognizer struct {
	mu  sync.Mutex
	rec *goface.Recognizer
}

// New loads the models from dir (shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat, mmod_human_face_detector.dat).
func New(dir string) (*Recognizer, error) {
	rec, err := goface.NewRecognizer(dir)
	if err != nil {
		return nil, fmt.Errorf("dlib: load models from %s: %w", dir, err)
	}
	return &Recognizer{rec: rec}, nil
}

// Close releases the native resources.
func (r *Recognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		r.rec.Close()
		r.rec = nil
	}
}

// Detect returns every face dlib finds. dlib gives no detection score, so
// every candidate reports 1.
func (r *Recognizer) Detect(ctx context.Context, img image.Image) ([]face.Detection, error) {
	data, err := encode(img)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	faces, err := r.recognize(data)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]face.Detection, 0, len(faces))
	for _, f := range faces {
		d := face.Detection{Box: f.Rectangle, Score: 1}
		if left, right, ok := eyes(f.Shapes); ok {
			d.LeftEye, d.RightEye, d.HasEyes = left, right, true
		}
		out = append(out, d)
	}
	return out, nil
}

// Embed returns the 128-d descriptor of the single face in an aligned crop.
func (r *Recognizer) Embed(ctx context.Context, crop image.Image) (face.Embedding, error) {
	data, err := encode(crop)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	var f *goface.Face
	if r.rec == nil {
		err = fmt.Errorf("dlib: recognizer closed")
	} else {
		f, err = r.rec.RecognizeSingle(data)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib: recognize: %w", err)
	}
	if f == nil {
		return nil, face.ErrNoFaceDetected
	}

	emb := make(face.Embedding, len(f.Descriptor))
	copy(emb, f.Descriptor[:])
	return emb, nil
}

func (r *Recognizer) recognize(data []byte) ([]goface.Face, error) {
	if r.rec == nil {
		return nil, fmt.Errorf("dlib: recognizer closed")
	}
	faces, err := r.rec.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("dlib: recognize: %w", err)
	}
	return faces, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("dlib: encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// eyes reduces the 5-point landmarks (two corners per eye, then the nose) to
// eye centres ordered left to right in image space.
func eyes(shapes []image.Point) (image.Point, image.Point, bool) {
	if len(shapes) < 4 {
		return image.Point{}, image.Point{}, false
	}
	a := image.Pt((shapes[0].X+shapes[1].X)/2, (shapes[0].Y+shapes[1].Y)/2)
	b := image.Pt((shapes[2].X+shapes[3].X)/2, (shapes[2].Y+shapes[3].Y)/2)
	if a.X > b.X {
		a, b = b, a
	}
	return a, b, true
}
