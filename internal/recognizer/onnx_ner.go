//go:build onnx
// +build onnx

package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// onnxNER runs a token-classification NER model through ONNX Runtime.
// Labels follow the BIO scheme (B-PERSON, I-PERSON, O); consecutive
// B-/I- tokens of the same base label merge into one span.
type onnxNER struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.DynamicAdvancedSession
	id2label  map[int]string
	numLabels int
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.Mutex // ONNX sessions are not safe for concurrent Run
	closed bool
}

// newONNXRecognizer initializes the ONNX Runtime backend. Requires
// build tag 'onnx' and a shared onnxruntime library discoverable via
// ONNXRUNTIME_SHARED_LIB.
func newONNXRecognizer(cfg Config, logger *zap.Logger) (Statistical, error) {
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, err := loadLabelMapping(cfg.LabelsPath)
	if err != nil {
		tk.Close()
		return nil, err
	}
	numLabels := 0
	for id := range id2label {
		if id >= numLabels {
			numLabels = id + 1
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger.Info("ONNX NER backend ready",
		zap.String("model", cfg.ModelPath),
		zap.Int("labels", numLabels))

	return &onnxNER{
		tokenizer: tk,
		session:   session,
		id2label:  id2label,
		numLabels: numLabels,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// loadLabelMapping reads an id2label JSON file ({"0": "O", "1": "B-PERSON", ...}).
func loadLabelMapping(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label mapping: %w", err)
	}
	out := make(map[int]string, len(raw))
	for idStr, label := range raw {
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 {
			continue
		}
		out[id] = label
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("label mapping %s contains no labels", path)
	}
	return out, nil
}

// SupportedTypes returns the base labels of the loaded model that
// belong to the fixed statistical type set.
func (o *onnxNER) SupportedTypes() []string {
	seen := make(map[string]bool)
	for _, label := range o.id2label {
		base := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		if base == "O" || base == "" {
			continue
		}
		if _, ok := StatisticalCategory(base); ok {
			seen[base] = true
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Analyze tokenizes the text, runs one inference, and decodes BIO
// labels back to character spans via the tokenizer offsets.
func (o *onnxNER) Analyze(ctx context.Context, text, language string, allowed []string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoding := o.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnOffsets())
	seqLen := len(encoding.IDs)
	if seqLen == 0 {
		return nil, nil
	}

	inputIDs := make([]int64, seqLen)
	attentionMask := make([]int64, seqLen)
	for i, id := range encoding.IDs {
		inputIDs[i] = int64(id)
		attentionMask[i] = 1
	}

	logits, err := o.run(ctx, inputIDs, attentionMask)
	if err != nil {
		return nil, err
	}

	var allowedSet map[string]bool
	if len(allowed) > 0 {
		allowedSet = make(map[string]bool, len(allowed))
		for _, t := range allowed {
			allowedSet[t] = true
		}
	}

	return o.decode(text, encoding.Offsets, logits, seqLen, allowedSet), nil
}

// run executes a single inference under the configured timeout. The
// session is serialized; the detection engine runs recognizers per call
// so parallel detections queue here rather than corrupting state.
func (o *onnxNER) run(ctx context.Context, inputIDs, attentionMask []int64) ([]float32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("onnx recognizer closed")
	}

	seqLen := int64(len(inputIDs))
	shape := ort.NewShape(1, seqLen)

	inputTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(o.numLabels)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	done := make(chan error, 1)
	go func() {
		done <- o.session.Run(
			[]ort.Value{inputTensor, maskTensor},
			[]ort.Value{outputTensor},
		)
	}()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
	case <-timer.C:
		<-done // the run cannot be aborted; wait so tensors stay valid
		return nil, fmt.Errorf("inference timed out after %s", o.timeout)
	case <-ctx.Done():
		<-done
		return nil, ctx.Err()
	}

	data := outputTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// decode merges BIO-labeled tokens into character spans.
func (o *onnxNER) decode(text string, offsets []tokenizers.Offset, logits []float32, seqLen int, allowedSet map[string]bool) []Result {
	if len(offsets) < seqLen {
		seqLen = len(offsets)
	}

	var results []Result
	var curType string
	var curStart, curEnd int
	var curScore float64
	var curTokens int

	flush := func() {
		if curType == "" || curTokens == 0 {
			return
		}
		if allowedSet == nil || allowedSet[curType] {
			results = append(results, Result{
				EntityType: curType,
				Start:      curStart,
				End:        curEnd,
				Score:      curScore / float64(curTokens),
				Source:     SourceStatistical,
			})
		}
		curType = ""
		curTokens = 0
	}

	for i := 0; i < seqLen; i++ {
		begin := i * o.numLabels
		end := begin + o.numLabels
		if end > len(logits) {
			break
		}
		label, confidence := argmaxSoftmax(logits[begin:end], o.id2label)

		// Special tokens report zero-width offsets; never part of a span.
		start, stop := int(offsets[i][0]), int(offsets[i][1])
		if start >= stop || stop > len(text) {
			flush()
			continue
		}

		base := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		switch {
		case label == "O" || base == "":
			flush()
		case strings.HasPrefix(label, "I-") && base == curType && curTokens > 0:
			curEnd = stop
			curScore += confidence
			curTokens++
		default: // B- label or an I- without a matching open span
			flush()
			curType = base
			curStart = start
			curEnd = stop
			curScore = confidence
			curTokens = 1
		}
	}
	flush()
	return results
}

// argmaxSoftmax picks the most probable label and its softmax probability.
func argmaxSoftmax(logits []float32, id2label map[int]string) (string, float64) {
	best := 0
	maxLogit := float64(math.Inf(-1))
	var sum float64
	for j, logit := range logits {
		v := float64(logit)
		if v > maxLogit {
			maxLogit = v
			best = j
		}
	}
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - maxLogit)
	}
	label, ok := id2label[best]
	if !ok {
		label = "O"
	}
	return label, 1.0 / sum
}

// Close releases the tokenizer and session.
func (o *onnxNER) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.session.Destroy()
	return o.tokenizer.Close()
}
