package provider

import (
	"sort"
)

// Registry maps provider names to translators. It is built once at startup
// and handed to the pipeline.
type Registry struct {
	translators map[string]Translator
}

// NewRegistry creates a registry holding the given translators.
func NewRegistry(translators ...Translator) *Registry {
	r := &Registry{translators: make(map[string]Translator, len(translators))}
	for _, t := range translators {
		r.translators[t.Name()] = t
	}
	return r
}

// NewDefaultRegistry registers every supported provider.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		Twilio{},
		MMG{},
		Firetext{},
		SNSSMS{},
		SES{},
		Pinpoint{},
		PinpointV2{},
	)
}

// Get returns the translator for name.
func (r *Registry) Get(name string) (Translator, bool) {
	t, ok := r.translators[name]
	return t, ok
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.translators))
	for name := range r.translators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Translate decodes raw with the named provider's translator.
func (r *Registry) Translate(name string, raw []byte) (*Record, error) {
	t, ok := r.translators[name]
	if !ok {
		return nil, &TranslationError{Provider: name, Reason: "no translator registered", Err: ErrUnknownProvider}
	}
	return t.Translate(raw)
}
