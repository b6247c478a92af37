package protocol

import "github.com/invopop/jsonschema"

func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		DoNotReference:             true, // inline defs
		ExpandedStruct:             true, // put struct at root
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
	}
}

// CommandSchema describes the work-queue payload.
func CommandSchema() *jsonschema.Schema {
	s := reflector().Reflect(new(Command))
	s.Title = "Command"
	return s
}

// ReplySchema describes the reply-queue payload.
func ReplySchema() *jsonschema.Schema {
	s := reflector().Reflect(new(Reply))
	s.Title = "Reply"
	return s
}
