// Package prompts renders the prompt templates TripMind sends to models.
//
// Templates are text/template files shipped inside the binary under
// templates/ and addressed by id (the file name without .tmpl). A
// deployment can shadow any id by dropping a file of the same name into
// the configured override directory. Every template is parsed once at
// startup; rendering is read-only and safe for concurrent use.
//
// Placeholders use the {{.name}} form. A placeholder without a matching
// variable is an error, never an empty string.
package prompts
