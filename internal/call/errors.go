package call

import "errors"

var (
	ErrGenerationTimeout    = errors.New("call: reply generation timed out")
	ErrGeneration           = errors.New("call: reply generation failed")
	ErrSynthesis            = errors.New("call: speech synthesis failed")
	ErrChannelUnrecoverable = errors.New("call: transcription channel unrecoverable")
	ErrAlreadyStarted       = errors.New("call: session already started")
	ErrEnded                = errors.New("call: session ended")
)
