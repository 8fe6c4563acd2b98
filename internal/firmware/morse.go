package firmware

import "time"

// Morse timing units.
const (
	MorseDot       = 100 * time.Millisecond
	MorseDash      = 300 * time.Millisecond
	MorseSymbolGap = 100 * time.Millisecond
	MorseLetterGap = 300 * time.Millisecond
	MorseWordGap   = 700 * time.Millisecond
)

var morseTable = map[rune]string{
	'A': ".-", 'B': "-...", 'C': "-.-.", 'D': "-..", 'E': ".",
	'F': "..-.", 'G': "--.", 'H': "....", 'I': "..", 'J': ".---",
	'K': "-.-", 'L': ".-..", 'M': "--", 'N': "-.", 'O': "---",
	'P': ".--.", 'Q': "--.-", 'R': ".-.", 'S': "...", 'T': "-",
	'U': "..-", 'V': "...-", 'W': ".--", 'X': "-..-", 'Y': "-.--",
	'Z': "--..",
}

// MorseStep is one timed output level in a transmission.
type MorseStep struct {
	High bool
	Dur  time.Duration
}

// EncodeMorse compiles uppercase text into the timed on/off sequence of its
// Morse transmission. Non-letter, non-space characters are skipped. A word
// gap closes the sequence so the infinite repeat stays readable.
func EncodeMorse(text string) []MorseStep {
	var steps []MorseStep
	needLetterGap := false

	for _, r := range text {
		if r == ' ' {
			if len(steps) > 0 {
				steps = append(steps, MorseStep{High: false, Dur: MorseWordGap})
			}
			needLetterGap = false
			continue
		}

		code, ok := morseTable[r]
		if !ok {
			continue
		}

		if needLetterGap {
			steps = append(steps, MorseStep{High: false, Dur: MorseLetterGap})
		}

		for i, sym := range code {
			if i > 0 {
				steps = append(steps, MorseStep{High: false, Dur: MorseSymbolGap})
			}
			dur := MorseDot
			if sym == '-' {
				dur = MorseDash
			}
			steps = append(steps, MorseStep{High: true, Dur: dur})
		}
		needLetterGap = true
	}

	if len(steps) > 0 {
		steps = append(steps, MorseStep{High: false, Dur: MorseWordGap})
	}
	return steps
}
