package shield

import "github.com/caio-sobreiro/dicomnet/dicom"

// QueryRetrieveLevelTag is the routing attribute read by the relay.
var QueryRetrieveLevelTag = dicom.Tag{Group: 0x0008, Element: 0x0052}

// SOPInstanceUIDTag is exported for forwarding code that needs the
// rewritten instance UID after a traversal.
var SOPInstanceUIDTag = dicom.Tag{Group: 0x0008, Element: 0x0018}

// attr names a DICOM attribute the shield acts on.
type attr struct {
	Name string
	Tag  dicom.Tag
	VR   string
}

// identifying attributes are overwritten with the empty string on every
// traversal. Missing attributes are not added.
var identifying = []attr{
	{"PatientName", dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN},
	{"IssuerOfPatientID", dicom.Tag{Group: 0x0010, Element: 0x0021}, dicom.VR_LO},
	{"PatientBirthDate", dicom.Tag{Group: 0x0010, Element: 0x0030}, dicom.VR_DA},
	{"PatientSex", dicom.Tag{Group: 0x0010, Element: 0x0040}, dicom.VR_CS},
	{"PatientAddress", dicom.Tag{Group: 0x0010, Element: 0x1040}, dicom.VR_LO},
	{"PatientTelephoneNumbers", dicom.Tag{Group: 0x0010, Element: 0x2154}, dicom.VR_SH},
	{"AccessionNumber", dicom.Tag{Group: 0x0008, Element: 0x0050}, dicom.VR_SH},
	{"InstitutionName", dicom.Tag{Group: 0x0008, Element: 0x0080}, dicom.VR_LO},
	{"InstitutionAddress", dicom.Tag{Group: 0x0008, Element: 0x0081}, dicom.VR_ST},
	{"InstitutionCodeSequence", dicom.Tag{Group: 0x0008, Element: 0x0082}, dicom.VR_SQ},
	{"ReferringPhysicianName", dicom.Tag{Group: 0x0008, Element: 0x0090}, dicom.VR_PN},
	{"ReferringPhysicianTelephoneNumbers", dicom.Tag{Group: 0x0008, Element: 0x0094}, dicom.VR_SH},
}

// pseudonymizable attributes are rewritten through the pseudonym service in
// both directions. Empty values are DIMSE wildcards and stay untouched.
var pseudonymizable = []attr{
	{"PatientID", dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO},
	{"StudyID", dicom.Tag{Group: 0x0020, Element: 0x0010}, dicom.VR_SH},
	{"SOPInstanceUID", dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI},
	{"StudyInstanceUID", dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI},
	{"SeriesInstanceUID", dicom.Tag{Group: 0x0020, Element: 0x000E}, dicom.VR_UI},
}

// IdentifyingTags lists the tags cleared on every traversal, for callers
// that need to verify the clearing invariant.
func IdentifyingTags() []dicom.Tag {
	tags := make([]dicom.Tag, len(identifying))
	for i, a := range identifying {
		tags[i] = a.Tag
	}
	return tags
}

// PseudonymizableTags lists the tags rewritten through the pseudonym
// service.
func PseudonymizableTags() []dicom.Tag {
	tags := make([]dicom.Tag, len(pseudonymizable))
	for i, a := range pseudonymizable {
		tags[i] = a.Tag
	}
	return tags
}
