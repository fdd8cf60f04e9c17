package vad

// Params configures the energy-based voice activity detector. Durations are
// millisecond values converted once to sample counts at the configured rate.
type Params struct {
	Threshold    float64
	SpeechPadMs  int
	MinSpeechMs  int
	MinSilenceMs int
	MaxSilenceMs int
	SampleRate   int
}

// DefaultParams returns the tuning used for 16 kHz conversational input.
func DefaultParams() Params {
	return Params{
		Threshold:    0.01,
		SpeechPadMs:  300,
		MinSpeechMs:  100,
		MinSilenceMs: 500,
		MaxSilenceMs: 10000,
		SampleRate:   16000,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.SpeechPadMs <= 0 {
		p.SpeechPadMs = d.SpeechPadMs
	}
	if p.MinSpeechMs <= 0 {
		p.MinSpeechMs = d.MinSpeechMs
	}
	if p.MinSilenceMs <= 0 {
		p.MinSilenceMs = d.MinSilenceMs
	}
	if p.MaxSilenceMs <= 0 {
		p.MaxSilenceMs = d.MaxSilenceMs
	}
	if p.SampleRate <= 0 {
		p.SampleRate = d.SampleRate
	}
	return p
}

// Detector is a stateful speech/non-speech classifier over fixed-size chunks
// of normalized samples. It performs no I/O and never blocks; one instance
// belongs to exactly one stream and is not safe for concurrent use.
type Detector struct {
	threshold  float64
	sampleRate int

	speechPadSamples  int
	minSpeechSamples  int
	minSilenceSamples int
	maxSilenceSamples int

	isSpeech     bool
	speechCount  int
	silenceCount int
	paddingCount int
	inPadding    bool
}

func New(p Params) *Detector {
	p = p.withDefaults()
	d := &Detector{
		threshold:  p.Threshold,
		sampleRate: p.SampleRate,
	}
	d.speechPadSamples = msToSamples(p.SpeechPadMs, p.SampleRate)
	d.minSpeechSamples = msToSamples(p.MinSpeechMs, p.SampleRate)
	d.minSilenceSamples = msToSamples(p.MinSilenceMs, p.SampleRate)
	d.maxSilenceSamples = msToSamples(p.MaxSilenceMs, p.SampleRate)
	return d
}

func msToSamples(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}

// Process classifies one chunk and reports whether the stream is currently in
// speech and whether this chunk closes an utterance.
//
// An utterance ends once trailing padding has been collected and enough
// silence has accumulated, or unconditionally when silence exceeds the
// failsafe ceiling.
func (d *Detector) Process(chunk []float32) (isSpeech, utteranceEnd bool) {
	energy := meanAbs(chunk)

	// All-zero chunks are silence regardless of threshold so that synthetic
	// keepalive frames advance the silence counters.
	currentSpeech := !allZero(chunk) && energy > d.threshold

	if currentSpeech {
		d.silenceCount = 0
		d.speechCount += len(chunk)
		if d.speechCount >= d.minSpeechSamples {
			d.isSpeech = true
		}
		d.inPadding = false
		d.paddingCount = 0
		return d.isSpeech, false
	}

	d.silenceCount += len(chunk)
	if !d.isSpeech {
		return false, false
	}

	if !d.inPadding {
		d.inPadding = true
		d.paddingCount = 0
	}
	d.paddingCount += len(chunk)

	paddingDone := d.paddingCount >= d.speechPadSamples && d.silenceCount >= d.minSilenceSamples
	failsafe := d.silenceCount >= d.maxSilenceSamples
	if paddingDone || failsafe {
		d.isSpeech = false
		d.speechCount = 0
		d.silenceCount = 0
		d.paddingCount = 0
		d.inPadding = false
		return false, true
	}
	return d.isSpeech, false
}

// Reset returns the detector to its freshly constructed state.
func (d *Detector) Reset() {
	d.isSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
	d.paddingCount = 0
	d.inPadding = false
}

// IsSpeech reports whether the detector is currently inside an utterance.
func (d *Detector) IsSpeech() bool { return d.isSpeech }

// SetThreshold replaces the energy cutoff for subsequent chunks.
func (d *Detector) SetThreshold(threshold float64) {
	if threshold > 0 {
		d.threshold = threshold
	}
}

// SetSpeechPadMs rederives the trailing-padding sample count.
func (d *Detector) SetSpeechPadMs(ms int) {
	if ms > 0 {
		d.speechPadSamples = msToSamples(ms, d.sampleRate)
	}
}

// SetMinSpeechMs rederives the minimum-speech sample count.
func (d *Detector) SetMinSpeechMs(ms int) {
	if ms > 0 {
		d.minSpeechSamples = msToSamples(ms, d.sampleRate)
	}
}

// SetMinSilenceMs rederives the minimum-silence sample count.
func (d *Detector) SetMinSilenceMs(ms int) {
	if ms > 0 {
		d.minSilenceSamples = msToSamples(ms, d.sampleRate)
	}
}

// SetMaxSilenceMs rederives the failsafe silence ceiling.
func (d *Detector) SetMaxSilenceMs(ms int) {
	if ms > 0 {
		d.maxSilenceSamples = msToSamples(ms, d.sampleRate)
	}
}

func meanAbs(chunk []float32) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for _, s := range chunk {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(chunk))
}

func allZero(chunk []float32) bool {
	for _, s := range chunk {
		if s != 0 {
			return false
		}
	}
	return true
}
