package telegraph

import (
	"math/rand"
	"sync"
)

// deck hands out lines in shuffled order, using every line once before
// any repeats.
type deck struct {
	mu    sync.Mutex
	lines []string
	cards []string // shuffled lines, popped from end
}

func newDeck(lines ...string) *deck {
	return &deck{lines: lines}
}

func (d *deck) next() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.cards) == 0 {
		d.cards = make([]string, len(d.lines))
		copy(d.cards, d.lines)
		rand.Shuffle(len(d.cards), func(i, j int) {
			d.cards[i], d.cards[j] = d.cards[j], d.cards[i]
		})
	}

	line := d.cards[len(d.cards)-1]
	d.cards = d.cards[:len(d.cards)-1]
	return line
}

// Persona holds the canned lines used where no generation happens. Each
// failure category has its own deck.
type Persona struct {
	SaidNothing        *deck
	Busy               *deck
	Apology            *deck
	QuotaExceeded      *deck // format: count, humanized reset
	ImageFailed        *deck
	AwaitImage         *deck
	AwaitInstruction   *deck
	TimeoutImage       *deck
	TimeoutInstruction *deck
	WrongAttachment    *deck
	FlowBusy           *deck
	AdminOnly          *deck
}

// DefaultPersona returns the stock lines.
func DefaultPersona() *Persona {
	return &Persona{
		SaidNothing: newDeck(
			"You rang? You didn't actually say anything.",
			"I'm all ears, but that message was empty.",
			"Hmm? Try that again with some words in it.",
		),
		Busy: newDeck(
			"Hang on, still thinking about the last one.",
			"One sec, I'm mid-thought here.",
			"Give me a moment, still working on something.",
		),
		Apology: newDeck(
			"Ugh, my brain just glitched. Mind asking again?",
			"Sorry, I lost my train of thought. Try me again?",
			"That one got away from me. Can you say it again?",
		),
		QuotaExceeded: newDeck(
			"You've used all %d of your pictures for now. More paint arrives %s.",
			"My sketchbook is out of pages for you (%d used). It refills %s.",
		),
		ImageFailed: newDeck(
			"The picture didn't come out. Maybe try a different idea?",
			"I smudged that one badly. Want to try again?",
		),
		AwaitImage: newDeck(
			"Okay! Send me the image you want me to change.",
			"Sure, drop the picture here.",
		),
		AwaitInstruction: newDeck(
			"Got it. What should I change?",
			"Nice one. Now tell me what to do with it.",
		),
		TimeoutImage: newDeck(
			"I waited but no image showed up. Run the command again when you're ready.",
			"No picture arrived, so I'll stop waiting.",
		),
		TimeoutInstruction: newDeck(
			"You didn't tell me what to change, so I'll leave it be.",
			"I never got instructions for that one. Try again anytime.",
		),
		WrongAttachment: newDeck(
			"That doesn't look like an image I can work with.",
			"I need a PNG, JPEG, GIF or WebP for this.",
		),
		FlowBusy: newDeck(
			"We're already editing something together. Let's finish that first.",
		),
		AdminOnly: newDeck(
			"Only admins can do that, sorry.",
		),
	}
}
