// Package provider defines the contract between the application and
// heterogeneous chat-completion backends (Anthropic-style, OpenAI-style,
// local servers) together with the stream event vocabulary and the error
// taxonomy those backends speak.
//
// Key concepts:
//   - Provider: the polymorphic interface every backend adapter implements
//     (FetchModels, SendMessage, ValidateCredentials, Cancel)
//   - StreamEvent: the closed vocabulary of streaming events, ending with
//     exactly one terminal Done or Error
//   - Err: the flat, closed error taxonomy with errors.Is matching by code
//
// Adapters decode provider-specific JSON chunks into this canonical
// vocabulary; consumers range over the event channel until a terminal event:
//
//	events, err := p.SendMessage(ctx, params)
//	if err != nil {
//	    return err
//	}
//	for event := range events {
//	    switch e := event.(type) {
//	    case provider.TextDelta:
//	        // render incrementally
//	    case provider.Done:
//	        // stream finished
//	    case provider.Error:
//	        // stream failed, e.Err carries the taxonomy
//	    }
//	}
package provider
