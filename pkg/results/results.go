package results

type Reason string

const (
	// ReasonUnknown is the default reason. It is also the classification for
	// any failure an engine did not tag with a structured code.
	ReasonUnknown Reason = "unknown"

	// ReasonConfig marks configuration problems. These escape per-specimen
	// isolation and fail the run.
	ReasonConfig Reason = "config"

	// ReasonPreprocessing marks image preprocessing failures.
	ReasonPreprocessing Reason = "preprocessing"

	// ReasonOCR marks image_to_text failures.
	ReasonOCR Reason = "ocr"

	// ReasonDwcExtraction marks text_to_dwc and image_to_dwc failures.
	ReasonDwcExtraction Reason = "dwc_extraction"

	// ReasonGBIF marks GBIF verification failures. These are attached to the
	// event as warnings and never fail the specimen.
	ReasonGBIF Reason = "gbif"

	// ReasonOutputs marks failures writing run artifacts.
	ReasonOutputs Reason = "outputs"
)
