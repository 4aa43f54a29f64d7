// Gen2go turns a text prompt and optional reference images into generated
// images or video through one of several backends: a self-hosted ComfyUI
// queue server, Google Gemini, the OpenAI images API, or a hosted video
// generation service. The engine package runs batches and tracks progress,
// graphapi edits ComfyUI workflows and reads prompts back from generated PNGs.
package gen2go
