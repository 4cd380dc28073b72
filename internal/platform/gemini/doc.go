// Package gemini provides an implementation of the generation.Generator
// interface that uses Google's Gemini API for drafting novel chapters.
//
// This package is an infrastructure adapter connecting the application's
// domain logic to Google's external Gemini AI service. It translates
// between the application's domain models and the Gemini API without
// exposing the details of the external service to the core application.
//
// Key responsibilities:
//
//  1. Rendering chapter prompts from the synopsis, running summary, and
//     style directives of a generation request.
//  2. Parsing the structured JSON chapter response and validating it
//     against the expected shape.
//  3. Categorizing API errors into the generation error taxonomy so the
//     task engine can decide between retry and dead-letter.
//
// The package makes a single API attempt per call; retry scheduling is
// owned by the task engine.
package gemini
